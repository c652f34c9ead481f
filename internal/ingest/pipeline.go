// Package ingest drives per-asset ingestion passes: fetch trade pages, classify
// the batch, persist verdict and trades together, and alert on trades by
// watched wallets.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/ledger"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/observability"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/retry"
	"github.com/pumpscope/pumpscope/internal/rugcheck"
)

// State is how far one asset pass got.
type State int

const (
	StateDiscovered State = iota
	StateTradesFetched
	StateClassified
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateTradesFetched:
		return "trades_fetched"
	case StateClassified:
		return "classified"
	case StatePersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Feed is the upstream market API.
type Feed interface {
	FetchTrades(ctx context.Context, mint string, offset, limit int) (pumpfun.TradePage, error)
	FetchAsset(ctx context.Context, mint string) (market.Asset, error)
}

// Ledger is the slice of the store a pass writes to.
type Ledger interface {
	WatchSource
	PersistAssetPass(ctx context.Context, p ledger.AssetPass) (int64, error)
	RecordSmartTrade(ctx context.Context, st market.SmartTrade) error
	CheckAndMarkSent(ctx context.Context, signature string) (bool, error)
	UnsentSmartTrades(ctx context.Context, limit int) ([]market.SmartTrade, error)
}

// Notifier delivers smart-trade alerts.
type Notifier interface {
	Notify(ctx context.Context, st market.SmartTrade) error
}

// Archive receives a copy of every persisted batch.
type Archive interface {
	AddTrades(trades []market.Trade)
	AddVerdict(ref market.AssetRef, a rugcheck.Assessment, at time.Time)
}

// Publisher emits verdict events.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config configures a pipeline.
type Config struct {
	PageSize        int             `yaml:"page_size"`
	PageBudget      int             `yaml:"page_budget"`
	RefreshMetadata bool            `yaml:"refresh_metadata"`
	WatchThreshold  float64         `yaml:"watch_threshold"`
	SweepLimit      int             `yaml:"sweep_limit"`
	Retry           retry.Policy    `yaml:"retry"`
	Rug             rugcheck.Config `yaml:"rug"`
}

// DefaultConfig returns the production pass settings.
func DefaultConfig() Config {
	return Config{
		PageSize:        pumpfun.PageSize,
		PageBudget:      3,
		RefreshMetadata: true,
		WatchThreshold:  10,
		SweepLimit:      100,
		Retry:           retry.DefaultPolicy(),
		Rug:             rugcheck.DefaultConfig(),
	}
}

// Outcome describes one asset pass.
type Outcome struct {
	Mint       string              `json:"mint"`
	State      State               `json:"state"`
	Pages      int                 `json:"pages"`
	Fetched    int                 `json:"fetched"`
	NewTrades  int64               `json:"new_trades"`
	Assessment rugcheck.Assessment `json:"assessment"`
	Alerts     int                 `json:"alerts"`
	Duration   time.Duration       `json:"duration"`
}

// Summary describes one Run.
type Summary struct {
	PassID    string        `json:"pass_id"`
	Assets    int           `json:"assets"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	NewTrades int64         `json:"new_trades"`
	Alerts    int           `json:"alerts"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Pipeline runs asset passes for one worker. It owns its feed client and ledger
// session; nothing in it is shared with other workers.
type Pipeline struct {
	cfg      Config
	feed     Feed
	ledger   Ledger
	notifier Notifier
	archive  Archive
	pub      Publisher
	topic    string
	metrics  *observability.Metrics
	now      func() time.Time

	watch atomic.Pointer[WatchSet]

	passes    atomic.Int64
	failed    atomic.Int64
	fetched   atomic.Int64
	inserted  atomic.Int64
	alerts    atomic.Int64
	alertErrs atomic.Int64
}

// NewPipeline creates a pipeline. notifier may be nil, in which case alerts are
// recorded for a relay to deliver later.
func NewPipeline(cfg Config, feed Feed, l Ledger, notifier Notifier) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = pumpfun.PageSize
	}
	if cfg.PageBudget <= 0 {
		cfg.PageBudget = 1
	}
	return &Pipeline{
		cfg:      cfg,
		feed:     feed,
		ledger:   l,
		notifier: notifier,
		metrics:  observability.NewMetrics(observability.NewRegistry()),
		now:      time.Now,
	}
}

// SetArchive mirrors persisted batches into an archive.
func (p *Pipeline) SetArchive(a Archive) { p.archive = a }

// SetPublisher emits a VerdictEvent per persisted pass on topic.
func (p *Pipeline) SetPublisher(pub Publisher, topic string) {
	p.pub = pub
	p.topic = topic
}

// SetMetrics records pass metrics into m.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	if m != nil {
		p.metrics = m
	}
}

// SetWatchSet installs a snapshot without touching the ledger.
func (p *Pipeline) SetWatchSet(w *WatchSet) { p.watch.Store(w) }

// WatchSet returns the current snapshot.
func (p *Pipeline) WatchSet() *WatchSet { return p.watch.Load() }

// ReloadWatchSet replaces the snapshot from the ledger. On failure the previous
// snapshot stays in place.
func (p *Pipeline) ReloadWatchSet(ctx context.Context) error {
	w, err := LoadWatchSet(ctx, p.ledger, p.cfg.WatchThreshold)
	if err != nil {
		return err
	}
	p.watch.Store(w)
	p.metrics.WatchSetSize.Set(float64(w.Len()))
	return nil
}

// Run reloads the watch set, delivers leftover alerts, then processes refs in
// order. A failed asset never stops the run; cancellation stops it between
// assets.
func (p *Pipeline) Run(ctx context.Context, refs []market.AssetRef) Summary {
	start := time.Now()
	sum := Summary{PassID: uuid.New().String(), Assets: len(refs)}
	logger := log.With().Str("pass_id", sum.PassID).Logger()

	if err := p.ReloadWatchSet(ctx); err != nil {
		logger.Warn().Err(err).Int("kept", p.WatchSet().Len()).Msg("ingest: watch set not reloaded")
	}
	if p.notifier != nil {
		if n, err := p.SweepUnsent(ctx); err != nil {
			logger.Warn().Err(err).Msg("ingest: unsent alert sweep failed")
		} else if n > 0 {
			logger.Info().Int("sent", n).Msg("ingest: delivered leftover alerts")
		}
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		out, err := p.process(ctx, sum.PassID, ref)
		if err != nil {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		sum.NewTrades += out.NewTrades
		sum.Alerts += out.Alerts
	}
	sum.Duration = time.Since(start)

	logger.Info().
		Int("assets", sum.Assets).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int64("new_trades", sum.NewTrades).
		Int("alerts", sum.Alerts).
		Dur("duration", sum.Duration).
		Bool("cancelled", sum.Cancelled).
		Msg("ingest: run completed")
	return sum
}

// ProcessAsset runs a single pass for ref. On error the returned Outcome tells
// which state was reached; nothing past that state was written.
func (p *Pipeline) ProcessAsset(ctx context.Context, ref market.AssetRef) (Outcome, error) {
	return p.process(ctx, uuid.New().String(), ref)
}

func (p *Pipeline) process(ctx context.Context, passID string, ref market.AssetRef) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{Mint: ref.Mint, State: StateDiscovered}
	logger := log.With().Str("pass_id", passID).Str("mint", ref.Mint).Str("symbol", ref.Symbol).Logger()

	defer func() {
		out.Duration = time.Since(start)
		p.passes.Add(1)
		p.metrics.AssetPasses.Inc()
		p.metrics.PassLatency.Observe(float64(out.Duration.Milliseconds()))
		if err != nil {
			p.failed.Add(1)
			p.metrics.AssetFailures.Inc()
			logger.Warn().
				Err(err).
				Str("class", retry.Class(err)).
				Str("state", out.State.String()).
				Msg("ingest: asset pass failed")
		}
	}()

	trades, pages, err := p.fetchTrades(ctx, ref.Mint)
	out.Pages = pages
	if err != nil {
		return out, err
	}
	out.State = StateTradesFetched
	out.Fetched = len(trades)
	p.fetched.Add(int64(len(trades)))
	p.metrics.TradesFetched.Add(float64(len(trades)))

	meta := p.refreshMetadata(ctx, logger, ref.Mint)
	creator := ref.Creator
	units := market.DefaultUnits
	if meta != nil {
		if creator == "" {
			creator = meta.Creator
		}
		if ref.Symbol == "" {
			ref.Symbol = meta.Symbol
		}
		units = market.UnitsForDecimals(meta.TokenDecimals)
	}
	ref.Creator = creator

	out.Assessment = p.cfg.Rug.Evaluate(trades, creator, units)
	out.State = StateClassified

	pass := ledger.AssetPass{Mint: ref.Mint, Verdict: out.Assessment.Verdict, Trades: trades, Asset: meta}
	var inserted int64
	err = p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = p.ledger.PersistAssetPass(ctx, pass)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("ingest: persist: %w", err)
	}
	out.State = StatePersisted
	out.NewTrades = inserted
	p.inserted.Add(inserted)
	p.metrics.TradesInserted.Add(float64(inserted))

	p.mirror(ctx, logger, passID, ref, trades, out)
	out.Alerts = p.alert(ctx, logger, ref, trades)

	ev := logger.Info()
	if !out.Assessment.Verdict.Flagged() {
		ev = logger.Debug()
	}
	ev.Str("verdict", out.Assessment.Verdict.String()).
		Str("basis", string(out.Assessment.Basis)).
		Int("pages", out.Pages).
		Int("fetched", out.Fetched).
		Int64("new_trades", out.NewTrades).
		Int("alerts", out.Alerts).
		Msg("ingest: asset pass persisted")
	return out, nil
}

// fetchTrades walks trade pages until a short page or the page budget.
// Duplicates across pages are kept; the ledger drops them.
func (p *Pipeline) fetchTrades(ctx context.Context, mint string) ([]market.Trade, int, error) {
	var (
		trades []market.Trade
		pages  int
	)
	for offset := 0; pages < p.cfg.PageBudget; offset += p.cfg.PageSize {
		var page pumpfun.TradePage
		err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = p.feed.FetchTrades(ctx, mint, offset, p.cfg.PageSize)
			return err
		})
		if err != nil {
			return nil, pages, fmt.Errorf("ingest: fetch trades offset %d: %w", offset, err)
		}
		pages++
		trades = append(trades, page.Trades...)
		if page.Received < p.cfg.PageSize {
			break
		}
	}
	return trades, pages, nil
}

// refreshMetadata fetches the asset record. Failure only costs the refresh.
func (p *Pipeline) refreshMetadata(ctx context.Context, logger zerolog.Logger, mint string) *market.Asset {
	if !p.cfg.RefreshMetadata {
		return nil
	}
	var a market.Asset
	err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		a, err = p.feed.FetchAsset(ctx, mint)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Str("class", retry.Class(err)).Msg("ingest: metadata refresh skipped")
		return nil
	}
	// The pass owns last_trade_timestamp; it advances from the trade batch.
	a.LastTradeAt = time.Time{}
	return &a
}

// mirror copies the persisted pass to the archive and the bus.
func (p *Pipeline) mirror(ctx context.Context, logger zerolog.Logger, passID string, ref market.AssetRef, trades []market.Trade, out Outcome) {
	if p.archive != nil {
		p.archive.AddTrades(trades)
		p.archive.AddVerdict(ref, out.Assessment, p.now())
	}
	if p.pub == nil {
		return
	}
	a := out.Assessment
	ev := bus.VerdictEvent{
		BaseEvent:   bus.NewBaseEvent("pumpscope-ingest", passID),
		Mint:        ref.Mint,
		Creator:     ref.Creator,
		Verdict:     a.Verdict.String(),
		Basis:       string(a.Basis),
		CreatorBuy:  a.CreatorBuy,
		CreatorSell: a.CreatorSell,
		GhostSell:   a.GhostSell,
		TradeCount:  out.Fetched,
		NewTrades:   out.NewTrades,
	}
	if err := p.pub.PublishJSON(ctx, p.topic, ref.Mint, ev); err != nil {
		logger.Warn().Err(err).Msg("ingest: verdict event not published")
	}
}

// alert records every trade by a watched wallet and notifies for the ones this
// call marked as sent. Returns the number delivered.
func (p *Pipeline) alert(ctx context.Context, logger zerolog.Logger, ref market.AssetRef, trades []market.Trade) int {
	w := p.watch.Load()
	if w.Len() == 0 {
		return 0
	}
	sent := 0
	seen := make(map[string]struct{})
	for _, t := range trades {
		score, ok := w.Lookup(t.Wallet)
		if !ok {
			continue
		}
		if _, dup := seen[t.Signature]; dup {
			continue
		}
		seen[t.Signature] = struct{}{}

		st := market.SmartTrade{Trade: t, Symbol: ref.Symbol, Reputation: score}
		if err := p.ledger.RecordSmartTrade(ctx, st); err != nil {
			p.alertFailed(logger, t, err)
			continue
		}
		if p.notifier == nil {
			continue
		}
		if p.deliver(ctx, logger, st) {
			sent++
		}
	}
	return sent
}

// deliver marks st sent and hands it to the notifier if this caller won the
// transition.
func (p *Pipeline) deliver(ctx context.Context, logger zerolog.Logger, st market.SmartTrade) bool {
	first, err := p.ledger.CheckAndMarkSent(ctx, st.Signature)
	if err != nil {
		p.alertFailed(logger, st.Trade, err)
		return false
	}
	if !first {
		return false
	}
	if err := p.notifier.Notify(ctx, st); err != nil {
		p.alertFailed(logger, st.Trade, err)
		return false
	}
	p.alerts.Add(1)
	p.metrics.AlertsSent.Inc()
	logger.Info().
		Str("wallet", st.Wallet).
		Str("signature", st.Signature).
		Str("side", string(st.Direction())).
		Float64("score", st.Reputation.Score).
		Msg("ingest: smart trade alert sent")
	return true
}

func (p *Pipeline) alertFailed(logger zerolog.Logger, t market.Trade, err error) {
	p.alertErrs.Add(1)
	p.metrics.AlertFailures.Inc()
	logger.Warn().Err(err).Str("wallet", t.Wallet).Str("signature", t.Signature).Msg("ingest: smart trade alert failed")
}

// SweepUnsent delivers alerts that were recorded but never marked sent.
func (p *Pipeline) SweepUnsent(ctx context.Context) (int, error) {
	if p.notifier == nil {
		return 0, errors.New("ingest: no notifier configured")
	}
	pending, err := p.ledger.UnsentSmartTrades(ctx, p.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, st := range pending {
		if ctx.Err() != nil {
			break
		}
		logger := log.With().Str("mint", st.Mint).Logger()
		if p.deliver(ctx, logger, st) {
			sent++
		}
	}
	return sent, nil
}

// PipelineStats is exposed on /stats.
type PipelineStats struct {
	Passes        int64 `json:"passes"`
	Failed        int64 `json:"failed"`
	Fetched       int64 `json:"fetched"`
	Inserted      int64 `json:"inserted"`
	Alerts        int64 `json:"alerts"`
	AlertFailures int64 `json:"alert_failures"`
	Watched       int   `json:"watched"`
}

// Stats returns cumulative counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Passes:        p.passes.Load(),
		Failed:        p.failed.Load(),
		Fetched:       p.fetched.Load(),
		Inserted:      p.inserted.Load(),
		Alerts:        p.alerts.Load(),
		AlertFailures: p.alertErrs.Load(),
		Watched:       p.watch.Load().Len(),
	}
}
