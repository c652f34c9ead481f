package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pumpscope/pumpscope/internal/ledger"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/retry"
	"github.com/pumpscope/pumpscope/internal/rugcheck"
)

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

type fakeFeed struct {
	mu       sync.Mutex
	trades   map[string][]market.Trade
	assets   map[string]market.Asset
	calls    map[string]int
	failN    int   // transient failures before the first success
	tradeErr error // returned on every FetchTrades when set
	assetErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		trades: make(map[string][]market.Trade),
		assets: make(map[string]market.Asset),
		calls:  make(map[string]int),
	}
}

func (f *fakeFeed) FetchTrades(_ context.Context, mint string, offset, limit int) (pumpfun.TradePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[mint]++
	if f.tradeErr != nil {
		return pumpfun.TradePage{}, f.tradeErr
	}
	if f.failN > 0 {
		f.failN--
		return pumpfun.TradePage{}, errors.New("connection reset by peer")
	}
	all := f.trades[mint]
	if offset >= len(all) {
		return pumpfun.TradePage{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]market.Trade(nil), all[offset:end]...)
	return pumpfun.TradePage{Trades: page, Received: len(page)}, nil
}

func (f *fakeFeed) FetchAsset(_ context.Context, mint string) (market.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetErr != nil {
		return market.Asset{}, f.assetErr
	}
	a, ok := f.assets[mint]
	if !ok {
		return market.Asset{}, retry.Permanent(errors.New("not found"))
	}
	return a, nil
}

func (f *fakeFeed) tradeCalls(mint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[mint]
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu         sync.Mutex
	trades     map[string]market.Trade
	verdicts   map[string]market.Verdict
	passes     []ledger.AssetPass
	persistErr error
	scores     map[string]market.WalletScore
	watchErr   error
	smart      map[string]market.SmartTrade
	smartOrder []string
	sent       map[string]bool
	assets     map[string]market.Asset
	upsertErr  error
	backlog    []market.AssetRef
	backlogErr error
	queries    []ledger.BacklogQuery
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		trades:   make(map[string]market.Trade),
		verdicts: make(map[string]market.Verdict),
		scores:   make(map[string]market.WalletScore),
		smart:    make(map[string]market.SmartTrade),
		sent:     make(map[string]bool),
		assets:   make(map[string]market.Asset),
	}
}

func (l *fakeLedger) LoadWatchSet(_ context.Context, threshold float64) (map[string]market.WalletScore, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watchErr != nil {
		return nil, l.watchErr
	}
	out := make(map[string]market.WalletScore)
	for w, s := range l.scores {
		if s.Score > threshold {
			out[w] = s
		}
	}
	return out, nil
}

func (l *fakeLedger) PersistAssetPass(_ context.Context, p ledger.AssetPass) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.persistErr != nil {
		return 0, l.persistErr
	}
	l.passes = append(l.passes, p)
	l.verdicts[p.Mint] = p.Verdict
	var n int64
	for _, t := range p.Trades {
		if _, ok := l.trades[t.Signature]; ok {
			continue
		}
		l.trades[t.Signature] = t
		n++
	}
	return n, nil
}

func (l *fakeLedger) RecordSmartTrade(_ context.Context, st market.SmartTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.smart[st.Signature]; ok {
		return nil
	}
	l.smart[st.Signature] = st
	l.smartOrder = append(l.smartOrder, st.Signature)
	return nil
}

func (l *fakeLedger) CheckAndMarkSent(_ context.Context, sig string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.smart[sig]; !ok || l.sent[sig] {
		return false, nil
	}
	l.sent[sig] = true
	return true, nil
}

func (l *fakeLedger) UnsentSmartTrades(_ context.Context, limit int) ([]market.SmartTrade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []market.SmartTrade
	for _, sig := range l.smartOrder {
		if l.sent[sig] {
			continue
		}
		out = append(out, l.smart[sig])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *fakeLedger) UpsertAsset(_ context.Context, a market.Asset) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.upsertErr != nil {
		return false, l.upsertErr
	}
	_, exists := l.assets[a.Mint]
	l.assets[a.Mint] = a
	return !exists, nil
}

func (l *fakeLedger) Backlog(_ context.Context, q ledger.BacklogQuery) ([]market.AssetRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, q)
	if l.backlogErr != nil {
		return nil, l.backlogErr
	}
	return append([]market.AssetRef(nil), l.backlog...), nil
}

func (l *fakeLedger) persistedMints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.passes))
	for _, p := range l.passes {
		out = append(out, p.Mint)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Notifier, archive
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	mu   sync.Mutex
	got  []market.SmartTrade
	fail error
}

func (n *fakeNotifier) Notify(_ context.Context, st market.SmartTrade) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.got = append(n.got, st)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

type fakeArchive struct {
	mu       sync.Mutex
	trades   []market.Trade
	verdicts map[string]market.Verdict
}

func (a *fakeArchive) AddTrades(trades []market.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = append(a.trades, trades...)
}

func (a *fakeArchive) AddVerdict(ref market.AssetRef, as rugcheck.Assessment, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.verdicts == nil {
		a.verdicts = make(map[string]market.Verdict)
	}
	a.verdicts[ref.Mint] = as.Verdict
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	cfg.PageBudget = 3
	cfg.RefreshMetadata = false
	cfg.Retry = fastRetry()
	return cfg
}

// trade builds a token-denominated trade; tokens are whole tokens.
func trade(mint, sig, wallet string, buy bool, tokens, ts int64) market.Trade {
	return market.Trade{
		Signature:   sig,
		Mint:        mint,
		SolAmount:   tokens * 1_000_000,
		TokenAmount: tokens * market.DefaultTokenUnit,
		IsBuy:       buy,
		Wallet:      wallet,
		Timestamp:   ts,
	}
}
