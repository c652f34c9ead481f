package scoring

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/observability"
	"github.com/pumpscope/pumpscope/internal/retry"
)

// Session is the slice of the ledger one scoring worker uses. Every worker
// owns its own session.
type Session interface {
	CountWallets(ctx context.Context) (int64, error)
	ListWallets(ctx context.Context, offset, limit int64) ([]string, error)
	WalletTrades(ctx context.Context, wallet string) ([]market.WalletTrade, error)
	LastTrades(ctx context.Context, mints []string) (map[string]market.Trade, error)
	UpsertWalletScore(ctx context.Context, score market.WalletScore) error
	Close() error
}

// SessionFactory opens a fresh ledger session.
type SessionFactory func(ctx context.Context) (Session, error)

// Publisher is the event sink for cycle summaries.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
}

// JobConfig configures the scoring cycle.
type JobConfig struct {
	Workers     int           `yaml:"workers"`      // 0 → runtime.NumCPU()
	BatchSize   int64         `yaml:"batch_size"`   // wallets read per query
	CyclePeriod time.Duration `yaml:"cycle_period"` // start-to-start target
	Scoring     Config        `yaml:"formula"`
	// Retry covers each wallet list read and each wallet's read-score-upsert.
	Retry retry.Policy `yaml:"retry"`
}

// DefaultJobConfig returns the hourly production cycle.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Workers:     0,
		BatchSize:   100,
		CyclePeriod: time.Hour,
		Scoring:     DefaultConfig(),
		Retry:       retry.DefaultPolicy(),
	}
}

// CycleReport summarises one pass.
type CycleReport struct {
	CycleID   string        `json:"cycle_id"`
	Wallets   int64         `json:"wallets"`
	Scored    int64         `json:"scored"`
	Failed    int64         `json:"failed"`
	Workers   int           `json:"workers"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
}

// Job runs the sharded scoring pass over the whole wallet population.
type Job struct {
	cfg       JobConfig
	scorer    *Scorer
	open      SessionFactory
	publisher Publisher
	topic     string
	metrics   *observability.Metrics
	now       func() time.Time

	running atomic.Bool
	cycles  atomic.Int64
	scored  atomic.Int64
	failed  atomic.Int64
	lastDur atomic.Int64 // ms
}

// NewJob creates a scoring job.
func NewJob(cfg JobConfig, open SessionFactory) *Job {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Job{
		cfg:     cfg,
		scorer:  NewScorer(cfg.Scoring),
		open:    open,
		metrics: observability.NewMetrics(observability.NewRegistry()),
		now:     time.Now,
	}
}

// SetPublisher enables ScoreCycleEvent emission on topic.
func (j *Job) SetPublisher(p Publisher, topic string) {
	j.publisher = p
	j.topic = topic
}

// SetMetrics records cycle metrics into m.
func (j *Job) SetMetrics(m *observability.Metrics) {
	if m != nil {
		j.metrics = m
	}
}

func (j *Job) workers() int {
	if j.cfg.Workers > 0 {
		return j.cfg.Workers
	}
	return runtime.NumCPU()
}

// Run repeats RunCycle until ctx is cancelled, waiting CyclePeriod minus the
// pass duration between passes.
func (j *Job) Run(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		return errors.New("scoring: job already running")
	}
	defer j.running.Store(false)

	for {
		report, err := j.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scoring: cycle failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := j.cfg.CyclePeriod - report.Duration
		if wait < 0 {
			wait = 0
		}
		log.Info().
			Str("cycle_id", report.CycleID).
			Dur("wait", wait).
			Msg("scoring: sleeping until next cycle")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunCycle performs one full pass: count wallets, shard, score every range in
// parallel. Per-wallet failures are counted and skipped.
func (j *Job) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{CycleID: uuid.New().String(), Workers: j.workers()}

	total, err := j.countWallets(ctx)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	report.Wallets = total

	log.Info().
		Str("cycle_id", report.CycleID).
		Int64("wallets", total).
		Int("workers", report.Workers).
		Msg("scoring: cycle started")

	var (
		wg             sync.WaitGroup
		scored, failed atomic.Int64
	)
	for i, r := range Shard(total, report.Workers) {
		if r.Len() == 0 {
			continue
		}
		wg.Add(1)
		go func(worker int, r Range) {
			defer wg.Done()
			s, f := j.runRange(ctx, report.CycleID, worker, r)
			scored.Add(s)
			failed.Add(f)
		}(i, r)
	}
	wg.Wait()

	report.Scored = scored.Load()
	report.Failed = failed.Load()
	report.Duration = time.Since(start)
	report.Cancelled = ctx.Err() != nil

	j.cycles.Add(1)
	j.scored.Add(report.Scored)
	j.failed.Add(report.Failed)
	j.lastDur.Store(report.Duration.Milliseconds())
	j.metrics.ScoreCycles.Inc()
	j.metrics.WalletsScored.Add(float64(report.Scored))
	j.metrics.WalletFailures.Add(float64(report.Failed))
	j.metrics.LastCycleSecs.Set(report.Duration.Seconds())

	log.Info().
		Str("cycle_id", report.CycleID).
		Int64("scored", report.Scored).
		Int64("failed", report.Failed).
		Dur("duration", report.Duration).
		Bool("cancelled", report.Cancelled).
		Msg("scoring: cycle completed")

	j.publish(ctx, report)
	return report, nil
}

func (j *Job) countWallets(ctx context.Context) (int64, error) {
	s, err := j.open(ctx)
	if err != nil {
		return 0, fmt.Errorf("scoring: open session: %w", err)
	}
	defer s.Close()
	total, err := s.CountWallets(ctx)
	if err != nil {
		return 0, fmt.Errorf("scoring: count wallets: %w", err)
	}
	return total, nil
}

// runRange scores every wallet in r on its own session.
func (j *Job) runRange(ctx context.Context, cycleID string, worker int, r Range) (scored, failed int64) {
	logger := log.With().Str("cycle_id", cycleID).Int("worker", worker).Str("range", r.String()).Logger()

	s, err := j.open(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("scoring: worker could not open session")
		return 0, r.Len()
	}
	defer s.Close()

	for offset := r.Start; offset < r.End; offset += j.cfg.BatchSize {
		limit := j.cfg.BatchSize
		if offset+limit > r.End {
			limit = r.End - offset
		}
		var wallets []string
		err := j.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			wallets, err = s.ListWallets(ctx, offset, limit)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn().Msg("scoring: worker cancelled")
				return scored, failed
			}
			logger.Error().Err(err).Int64("offset", offset).Msg("scoring: list wallets failed")
			failed += limit
			continue
		}
		if len(wallets) == 0 {
			break
		}
		for _, w := range wallets {
			if ctx.Err() != nil {
				logger.Warn().Msg("scoring: worker cancelled")
				return scored, failed
			}
			err := j.cfg.Retry.Do(ctx, func(ctx context.Context) error {
				return j.scoreWallet(ctx, s, w)
			})
			if err != nil {
				failed++
				logger.Warn().Err(err).Str("wallet", w).Msg("scoring: wallet skipped")
				continue
			}
			scored++
		}
	}
	return scored, failed
}

// scoreWallet reads, scores and upserts one wallet.
func (j *Job) scoreWallet(ctx context.Context, s Session, wallet string) error {
	trades, err := s.WalletTrades(ctx, wallet)
	if err != nil {
		return fmt.Errorf("wallet trades: %w", err)
	}

	mints := make([]string, 0, 8)
	seen := make(map[string]struct{}, 8)
	for _, t := range trades {
		if _, ok := seen[t.Mint]; !ok {
			seen[t.Mint] = struct{}{}
			mints = append(mints, t.Mint)
		}
	}
	var last map[string]market.Trade
	if len(mints) > 0 {
		if last, err = s.LastTrades(ctx, mints); err != nil {
			return fmt.Errorf("last trades: %w", err)
		}
	}

	res := j.scorer.Score(Input{Wallet: wallet, Trades: trades, LastTrades: last, Now: j.now()})
	if err := s.UpsertWalletScore(ctx, res.WalletScore); err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	log.Debug().
		Str("wallet", wallet).
		Float64("score", res.Score).
		Int("trades", res.TradeCount).
		Int("wash_assets", len(res.WashAssets)).
		Int("rat_assets", len(res.RatAssets)).
		Msg("scoring: wallet scored")
	return nil
}

func (j *Job) publish(ctx context.Context, r CycleReport) {
	if j.publisher == nil {
		return
	}
	ev := bus.ScoreCycleEvent{
		BaseEvent: bus.NewBaseEvent("pumpscope-score", r.CycleID),
		Wallets:   r.Wallets,
		Scored:    r.Scored,
		Failed:    r.Failed,
		Workers:   r.Workers,
		Duration:  r.Duration,
		Cancelled: r.Cancelled,
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.publisher.PublishJSON(pctx, j.topic, r.CycleID, ev); err != nil {
		log.Warn().Err(err).Str("cycle_id", r.CycleID).Msg("scoring: cycle event not published")
	}
}

// JobStats is exposed on /stats.
type JobStats struct {
	Running     bool  `json:"running"`
	Cycles      int64 `json:"cycles"`
	Scored      int64 `json:"scored"`
	Failed      int64 `json:"failed"`
	LastCycleMs int64 `json:"last_cycle_ms"`
}

// Stats returns cumulative counters.
func (j *Job) Stats() JobStats {
	return JobStats{
		Running:     j.running.Load(),
		Cycles:      j.cycles.Load(),
		Scored:      j.scored.Load(),
		Failed:      j.failed.Load(),
		LastCycleMs: j.lastDur.Load(),
	}
}
