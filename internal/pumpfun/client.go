// Package pumpfun is the adapter for the launch platform: the HTTP feed API for
// listings, asset metadata and trade pages, and the websocket new-token stream.
package pumpfun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/retry"
)

// ---------------------------------------------------------------------------
// Feed API client: GET /coins, /coins/{mint}, /trades/{mint}
// ---------------------------------------------------------------------------

const (
	DefaultBaseURL = "https://frontend-api.pump.fun"
	// PageSize is the largest trade page the API serves.
	PageSize = 200

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
)

// Sort keys accepted by the listing endpoint.
const (
	SortCreated   = "created_timestamp"
	SortLastTrade = "last_trade_timestamp"
	SortMarketCap = "market_cap"
	SortLastReply = "last_reply"
	SortReplies   = "reply_count"
)

// ValidSort reports whether key is a listing sort key.
func ValidSort(key string) bool {
	switch key {
	case SortCreated, SortLastTrade, SortMarketCap, SortLastReply, SortReplies:
		return true
	}
	return false
}

// Config configures one feed client. Each ingestion worker builds its own
// client so its proxy and rate budget stay isolated.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unpaced
	Burst             int           `yaml:"burst"`
	ListLimit         int           `yaml:"list_limit"`
	Proxies           []string      `yaml:"proxies"` // [user:pass@]host:port, one per worker
}

// DefaultConfig returns the production feed settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Timeout:           10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		ListLimit:         10,
	}
}

// Client talks to the feed API through an optional SOCKS5 proxy.
type Client struct {
	cfg     Config
	proxy   string
	http    *http.Client
	limiter *rate.Limiter

	requests     atomic.Int64
	errors       atomic.Int64
	dropped      atomic.Int64
	avgLatencyMs atomic.Int64
}

// NewClient builds a client. proxyAddr is "[user:pass@]host:port"; empty or
// "None" means direct egress. Hostnames are resolved by the proxy.
func NewClient(cfg Config, proxyAddr string) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyAddr != "" && proxyAddr != "None" {
		dial, err := socksDialer(proxyAddr)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
	} else {
		proxyAddr = ""
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		proxy:   proxyAddr,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func socksDialer(addr string) (func(ctx context.Context, network, address string) (net.Conn, error), error) {
	var auth *proxy.Auth
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		user, pass, _ := strings.Cut(addr[:at], ":")
		auth = &proxy.Auth{User: user, Password: pass}
		addr = addr[at+1:]
	}
	d, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pumpfun: socks5 %s: %w", addr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("pumpfun: socks5 dialer for %s has no context support", addr)
	}
	return cd.DialContext, nil
}

// Proxy returns the egress host this client uses without credentials, empty
// for direct.
func (c *Client) Proxy() string {
	if at := strings.LastIndex(c.proxy, "@"); at >= 0 {
		return c.proxy[at+1:]
	}
	return c.proxy
}

// ---------------------------------------------------------------------------
// Wire records
// ---------------------------------------------------------------------------

type coinRecord struct {
	Mint                   string  `json:"mint"`
	Name                   string  `json:"name"`
	Symbol                 string  `json:"symbol"`
	MetadataURI            string  `json:"metadata_uri"`
	BondingCurve           string  `json:"bonding_curve"`
	AssociatedBondingCurve string  `json:"associated_bonding_curve"`
	Creator                string  `json:"creator"`
	CreatedTimestamp       int64   `json:"created_timestamp"` // ms
	RaydiumPool            *string `json:"raydium_pool"`
	Complete               bool    `json:"complete"`
	VirtualSolReserves     int64   `json:"virtual_sol_reserves"`
	VirtualTokenReserves   int64   `json:"virtual_token_reserves"`
	MarketCap              float64 `json:"market_cap"`
	USDMarketCap           float64 `json:"usd_market_cap"`
	ReplyCount             int     `json:"reply_count"`
	LastReply              *int64  `json:"last_reply"`                 // ms
	KingOfTheHillTimestamp *int64  `json:"king_of_the_hill_timestamp"` // ms
	LastTradeTimestamp     *int64  `json:"last_trade_timestamp"`       // ms
}

type tradeRecord struct {
	Signature   string `json:"signature"`
	Mint        string `json:"mint"`
	SolAmount   int64  `json:"sol_amount"`
	TokenAmount int64  `json:"token_amount"`
	IsBuy       bool   `json:"is_buy"`
	User        string `json:"user"`
	Timestamp   int64  `json:"timestamp"` // s
	TxIndex     *int64 `json:"tx_index"`
}

func millis(ms *int64) time.Time {
	if ms == nil || *ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*ms).UTC()
}

func validKey(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

func (r coinRecord) asset() (market.Asset, error) {
	if !validKey(r.Mint) {
		return market.Asset{}, fmt.Errorf("invalid mint %q", r.Mint)
	}
	if !validKey(r.Creator) {
		return market.Asset{}, fmt.Errorf("invalid creator %q for mint %s", r.Creator, r.Mint)
	}
	a := market.Asset{
		Mint:                   r.Mint,
		Name:                   r.Name,
		Symbol:                 r.Symbol,
		Creator:                r.Creator,
		CreatedAt:              millis(&r.CreatedTimestamp),
		BondingCurve:           r.BondingCurve,
		AssociatedBondingCurve: r.AssociatedBondingCurve,
		MetadataURI:            r.MetadataURI,
		TokenDecimals:          6,
		Complete:               r.Complete,
		VirtualSolReserves:     r.VirtualSolReserves,
		VirtualTokenReserves:   r.VirtualTokenReserves,
		MarketCapSOL:           r.MarketCap,
		USDMarketCap:           r.USDMarketCap,
		ReplyCount:             r.ReplyCount,
		LastReplyAt:            millis(r.LastReply),
		KingOfTheHillAt:        millis(r.KingOfTheHillTimestamp),
		LastTradeAt:            millis(r.LastTradeTimestamp),
	}
	if r.RaydiumPool != nil {
		a.RaydiumPool = *r.RaydiumPool
	}
	return a, nil
}

func (r tradeRecord) trade() (market.Trade, error) {
	if r.Signature == "" {
		return market.Trade{}, fmt.Errorf("trade without signature")
	}
	if !validKey(r.Mint) || !validKey(r.User) {
		return market.Trade{}, fmt.Errorf("invalid mint %q or user %q in trade %s", r.Mint, r.User, r.Signature)
	}
	return market.Trade{
		Signature:   r.Signature,
		Mint:        r.Mint,
		SolAmount:   r.SolAmount,
		TokenAmount: r.TokenAmount,
		IsBuy:       r.IsBuy,
		Wallet:      r.User,
		Timestamp:   r.Timestamp,
		TxIndex:     r.TxIndex,
	}, nil
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// TradePage is one page of trades. Received counts rows before validation so
// callers can detect the short last page even when rows were dropped.
type TradePage struct {
	Trades   []market.Trade
	Received int
}

// ListAssets returns the first page of the listing ordered by sort/order.
func (c *Client) ListAssets(ctx context.Context, sort, order string) ([]market.Asset, error) {
	if !ValidSort(sort) {
		return nil, retry.Permanent(fmt.Errorf("pumpfun: unknown sort key %q", sort))
	}
	order = strings.ToUpper(order)
	if order != "ASC" && order != "DESC" {
		return nil, retry.Permanent(fmt.Errorf("pumpfun: unknown order %q", order))
	}
	q := url.Values{}
	q.Set("offset", "0")
	q.Set("limit", strconv.Itoa(c.cfg.ListLimit))
	q.Set("sort", sort)
	q.Set("order", order)
	q.Set("includeNsfw", "false")

	var recs []coinRecord
	if err := c.getJSON(ctx, "/coins?"+q.Encode(), &recs); err != nil {
		return nil, err
	}
	out := make([]market.Asset, 0, len(recs))
	for _, r := range recs {
		a, err := r.asset()
		if err != nil {
			c.dropped.Add(1)
			log.Warn().Err(err).Msg("pumpfun: dropping listing row")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// FetchAsset returns the current metadata of one asset.
func (c *Client) FetchAsset(ctx context.Context, mint string) (market.Asset, error) {
	var rec coinRecord
	if err := c.getJSON(ctx, "/coins/"+url.PathEscape(mint), &rec); err != nil {
		return market.Asset{}, err
	}
	a, err := rec.asset()
	if err != nil {
		return market.Asset{}, retry.Permanent(fmt.Errorf("pumpfun: coin %s: %w", mint, err))
	}
	return a, nil
}

// FetchTrades returns one page of trades for mint.
func (c *Client) FetchTrades(ctx context.Context, mint string, offset, limit int) (TradePage, error) {
	if limit <= 0 || limit > PageSize {
		limit = PageSize
	}
	path := fmt.Sprintf("/trades/%s?limit=%d&offset=%d", url.PathEscape(mint), limit, offset)

	var recs []tradeRecord
	if err := c.getJSON(ctx, path, &recs); err != nil {
		return TradePage{}, err
	}
	page := TradePage{Trades: make([]market.Trade, 0, len(recs)), Received: len(recs)}
	for _, r := range recs {
		t, err := r.trade()
		if err != nil {
			c.dropped.Add(1)
			log.Warn().Err(err).Str("mint", mint).Msg("pumpfun: dropping trade row")
			continue
		}
		page.Trades = append(page.Trades, t)
	}
	return page, nil
}

// getJSON performs one paced GET and decodes the body into out. Returned errors
// are already classified for retry.Do.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	c.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("pumpfun: build request: %w", err))
	}
	setBrowserHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.errors.Add(1)
		return classify(fmt.Errorf("pumpfun: GET %s: %w", path, err))
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("pumpfun: read %s: %w", path, err)
	}
	c.avgLatencyMs.Store(time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		return classify(&HTTPError{StatusCode: resp.StatusCode, URL: path, Body: string(body)})
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.errors.Add(1)
		return retry.Permanent(fmt.Errorf("pumpfun: decode %s: %w", path, err))
	}
	return nil
}

func setBrowserHeaders(req *http.Request) {
	h := req.Header
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Origin", "https://pump.fun")
	h.Set("Referer", "https://pump.fun/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("User-Agent", userAgent)
}

// ClientStats is exposed on /stats.
type ClientStats struct {
	Proxy        string `json:"proxy,omitempty"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	DroppedRows  int64  `json:"dropped_rows"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
}

// Stats returns request counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Proxy:        c.Proxy(),
		Requests:     c.requests.Load(),
		Errors:       c.errors.Load(),
		DroppedRows:  c.dropped.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
	}
}
