package pumpfun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pumpscope/pumpscope/internal/market"
)

// ---------------------------------------------------------------------------
// New-token stream: pumpportal websocket, subscribeNewToken
// ---------------------------------------------------------------------------

// StreamConfig configures the new-token websocket stream.
type StreamConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	Buffer            int           `yaml:"buffer"`
}

// DefaultStreamConfig returns the pumpportal defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:               "wss://pumpportal.fun/api/data",
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       90 * time.Second,
		Buffer:            256,
	}
}

// tokenEvent is the pumpportal create notification.
type tokenEvent struct {
	Signature             string  `json:"signature"`
	Mint                  string  `json:"mint"`
	TraderPublicKey       string  `json:"traderPublicKey"`
	TxType                string  `json:"txType"`
	InitialBuy            float64 `json:"initialBuy"`
	SolAmount             float64 `json:"solAmount"`
	BondingCurveKey       string  `json:"bondingCurveKey"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	MarketCapSol          float64 `json:"marketCapSol"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`
	URI                   string  `json:"uri"`
}

// Stream emits an Asset for every token created on the platform.
type Stream struct {
	cfg StreamConfig
	now func() time.Time

	mu     sync.Mutex
	conn   *websocket.Conn
	out    chan market.Asset
	closed atomic.Bool

	messages   atomic.Int64
	assets     atomic.Int64
	malformed  atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// NewStream creates a stream; call Start to connect.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Stream{cfg: cfg, now: time.Now, out: make(chan market.Asset, cfg.Buffer)}
}

// Start connects in the background and returns the asset channel. The channel
// is closed once ctx is cancelled.
func (s *Stream) Start(ctx context.Context) <-chan market.Asset {
	go s.run(ctx)
	return s.out
}

// Connected reports whether the websocket is currently up.
func (s *Stream) Connected() bool { return s.connected.Load() }

func (s *Stream) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("stream: run loop panic recovered")
		}
		s.disconnect()
		if s.closed.CompareAndSwap(false, true) {
			close(s.out)
		}
	}()

	delay := s.cfg.ReconnectDelay
	for ctx.Err() == nil {
		if err := s.connect(ctx); err != nil {
			s.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("stream: connect failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if s.cfg.MaxReconnectDelay > 0 && delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
			continue
		}
		delay = s.cfg.ReconnectDelay
		s.readLoop(ctx)
		s.disconnect()
	}
}

func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"method": "subscribeNewToken"}); err != nil {
		conn.Close()
		return fmt.Errorf("stream: subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)

	log.Info().Str("url", s.cfg.URL).Msg("stream: subscribed to new tokens")
	return nil
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *Stream) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	// Closing the connection is the only way to unblock ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ping := time.NewTicker(s.pingInterval())
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				s.disconnect()
				return
			case <-stop:
				return
			case <-ping.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("stream: ping failed")
				}
			}
		}
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("stream: read error, reconnecting")
			}
			return
		}
		s.messages.Add(1)
		s.handle(data)
	}
}

func (s *Stream) pingInterval() time.Duration {
	if s.cfg.PingInterval > 0 {
		return s.cfg.PingInterval
	}
	return 30 * time.Second
}

func (s *Stream) handle(data []byte) {
	var ev tokenEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.malformed.Add(1)
		return
	}
	// Subscription acks carry a "message" field and no mint.
	if ev.Mint == "" || (ev.TxType != "" && ev.TxType != "create") {
		return
	}
	a, err := ev.asset(s.now())
	if err != nil {
		s.malformed.Add(1)
		log.Warn().Err(err).Msg("stream: dropping token event")
		return
	}
	s.assets.Add(1)

	select {
	case s.out <- a:
		log.Debug().Str("mint", a.Mint).Str("symbol", a.Symbol).Msg("stream: new token")
	default:
		log.Warn().Str("mint", a.Mint).Msg("stream: channel full, dropping token")
	}
}

func (ev tokenEvent) asset(seen time.Time) (market.Asset, error) {
	if !validKey(ev.Mint) || !validKey(ev.TraderPublicKey) {
		return market.Asset{}, fmt.Errorf("invalid mint %q or creator %q", ev.Mint, ev.TraderPublicKey)
	}
	return market.Asset{
		Mint:                 ev.Mint,
		Name:                 ev.Name,
		Symbol:               ev.Symbol,
		Creator:              ev.TraderPublicKey,
		CreatedAt:            seen.UTC(),
		BondingCurve:         ev.BondingCurveKey,
		MetadataURI:          ev.URI,
		TokenDecimals:        6,
		VirtualSolReserves:   toUnits(ev.VSolInBondingCurve, market.LamportsPerSOL),
		VirtualTokenReserves: toUnits(ev.VTokensInBondingCurve, market.DefaultTokenUnit),
		MarketCapSOL:         ev.MarketCapSol,
	}, nil
}

// toUnits converts a whole-unit float to integer sub-units.
func toUnits(v float64, unit int64) int64 {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromInt(unit)).Round(0).IntPart()
}

// StreamStats is exposed on /stats.
type StreamStats struct {
	Connected  bool  `json:"connected"`
	Messages   int64 `json:"messages"`
	Assets     int64 `json:"assets"`
	Malformed  int64 `json:"malformed"`
	Reconnects int64 `json:"reconnects"`
}

// Stats returns stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Connected:  s.connected.Load(),
		Messages:   s.messages.Load(),
		Assets:     s.assets.Load(),
		Malformed:  s.malformed.Load(),
		Reconnects: s.reconnects.Load(),
	}
}
