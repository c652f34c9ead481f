package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/ledger"
	"github.com/pumpscope/pumpscope/internal/market"
)

// Backlog lists the assets a round should revisit.
type Backlog interface {
	Backlog(ctx context.Context, q ledger.BacklogQuery) ([]market.AssetRef, error)
}

// Worker is one isolated ingestion lane: its own pipeline, feed client and
// ledger session.
type Worker struct {
	Pipeline *Pipeline
	Close    func() error
}

// WorkerFactory builds worker i with the given egress proxy ("" for direct).
type WorkerFactory func(ctx context.Context, i int, proxy string) (*Worker, error)

// JobConfig configures backlog rounds.
type JobConfig struct {
	Mode      ledger.BacklogMode `yaml:"backlog"`
	Desc      bool               `yaml:"desc"`
	Limit     int                `yaml:"limit"` // 0 → mode default
	Workers   int                `yaml:"workers"`
	Proxies   []string           `yaml:"proxies"`
	Interval  time.Duration      `yaml:"interval"` // pause between rounds
	Blacklist []string           `yaml:"blacklist"`
}

// DefaultJobConfig revisits unclassified assets with one direct worker.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Mode:      ledger.BacklogNew,
		Desc:      true,
		Workers:   1,
		Interval:  10 * time.Second,
		Blacklist: DefaultBlacklist,
	}
}

// RoundReport summarises one round across workers.
type RoundReport struct {
	Mode      ledger.BacklogMode `json:"mode"`
	Assets    int                `json:"assets"`
	Workers   int                `json:"workers"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	NewTrades int64              `json:"new_trades"`
	Alerts    int                `json:"alerts"`
	Duration  time.Duration      `json:"duration"`
}

// Job runs backlog rounds, splitting each backlog across isolated workers.
type Job struct {
	cfg       JobConfig
	backlog   Backlog
	build     WorkerFactory
	blacklist Blacklist
	now       func() time.Time

	running atomic.Bool
	rounds  atomic.Int64
	assets  atomic.Int64
	failed  atomic.Int64
}

// NewJob creates a backlog job.
func NewJob(cfg JobConfig, backlog Backlog, build WorkerFactory) *Job {
	return &Job{
		cfg:       cfg,
		backlog:   backlog,
		build:     build,
		blacklist: NewBlacklist(cfg.Blacklist...),
		now:       time.Now,
	}
}

// Workers returns the lane count: the configured workers, raised to one lane
// per proxy when more proxies are given.
func (j *Job) Workers() int {
	n := j.cfg.Workers
	if len(j.cfg.Proxies) > n {
		n = len(j.cfg.Proxies)
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (j *Job) proxy(i int) string {
	if len(j.cfg.Proxies) == 0 {
		return ""
	}
	return j.cfg.Proxies[i%len(j.cfg.Proxies)]
}

// Split deals refs round-robin into n lanes: lane i gets refs[i], refs[i+n], ...
func Split(refs []market.AssetRef, n int) [][]market.AssetRef {
	if n < 1 {
		n = 1
	}
	lanes := make([][]market.AssetRef, n)
	for i, r := range refs {
		lanes[i%n] = append(lanes[i%n], r)
	}
	return lanes
}

// Run repeats RunOnce until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		return errors.New("ingest: job already running")
	}
	defer j.running.Store(false)

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("mode", string(j.cfg.Mode)).Msg("ingest: round failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.cfg.Interval):
		}
	}
}

// RunOnce loads the backlog and processes it on all lanes in parallel.
func (j *Job) RunOnce(ctx context.Context) (RoundReport, error) {
	start := time.Now()
	report := RoundReport{Mode: j.cfg.Mode, Workers: j.Workers()}

	refs, err := j.backlog.Backlog(ctx, ledger.BacklogQuery{
		Mode:  j.cfg.Mode,
		Desc:  j.cfg.Desc,
		Limit: j.cfg.Limit,
		Now:   j.now(),
	})
	if err != nil {
		return report, fmt.Errorf("ingest: load backlog: %w", err)
	}
	refs = j.blacklist.Filter(refs)
	report.Assets = len(refs)

	log.Info().
		Str("mode", string(j.cfg.Mode)).
		Int("assets", len(refs)).
		Int("workers", report.Workers).
		Msg("ingest: round started")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, lane := range Split(refs, report.Workers) {
		if len(lane) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, lane []market.AssetRef) {
			defer wg.Done()
			sum, err := j.runLane(ctx, i, lane)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed += len(lane)
				return
			}
			report.Succeeded += sum.Succeeded
			report.Failed += sum.Failed
			report.NewTrades += sum.NewTrades
			report.Alerts += sum.Alerts
		}(i, lane)
	}
	wg.Wait()
	report.Duration = time.Since(start)

	j.rounds.Add(1)
	j.assets.Add(int64(report.Assets))
	j.failed.Add(int64(report.Failed))

	log.Info().
		Str("mode", string(j.cfg.Mode)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int64("new_trades", report.NewTrades).
		Dur("duration", report.Duration).
		Msg("ingest: round completed")
	return report, nil
}

func (j *Job) runLane(ctx context.Context, i int, lane []market.AssetRef) (Summary, error) {
	proxy := j.proxy(i)
	w, err := j.build(ctx, i, proxy)
	if err != nil {
		log.Error().Err(err).Int("worker", i).Msg("ingest: worker not started")
		return Summary{}, err
	}
	defer func() {
		if w.Close == nil {
			return
		}
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Int("worker", i).Msg("ingest: worker close failed")
		}
	}()
	return w.Pipeline.Run(ctx, lane), nil
}

// JobStats is exposed on /stats.
type JobStats struct {
	Running bool  `json:"running"`
	Rounds  int64 `json:"rounds"`
	Assets  int64 `json:"assets"`
	Failed  int64 `json:"failed"`
}

// Stats returns cumulative counters.
func (j *Job) Stats() JobStats {
	return JobStats{
		Running: j.running.Load(),
		Rounds:  j.rounds.Load(),
		Assets:  j.assets.Load(),
		Failed:  j.failed.Load(),
	}
}
