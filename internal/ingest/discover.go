package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/observability"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/retry"
)

// DefaultBlacklist holds mints that are never ingested.
var DefaultBlacklist = []string{
	"FtQnb51TtSeNc2Tzn5yoG2LiDHodeu4imq2g9nvY6yL6",
}

// Blacklist is a set of excluded mints.
type Blacklist map[string]struct{}

// NewBlacklist builds a set from mints.
func NewBlacklist(mints ...string) Blacklist {
	b := make(Blacklist, len(mints))
	for _, m := range mints {
		b[m] = struct{}{}
	}
	return b
}

// Contains reports whether mint is excluded.
func (b Blacklist) Contains(mint string) bool {
	_, ok := b[mint]
	return ok
}

// Filter drops excluded refs, keeping order.
func (b Blacklist) Filter(refs []market.AssetRef) []market.AssetRef {
	if len(b) == 0 {
		return refs
	}
	out := refs[:0:0]
	for _, r := range refs {
		if !b.Contains(r.Mint) {
			out = append(out, r)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Discoverer: listing poll and stream sightings → asset upsert
// ---------------------------------------------------------------------------

// Lister is the listing endpoint of the feed.
type Lister interface {
	ListAssets(ctx context.Context, sort, order string) ([]market.Asset, error)
}

// AssetSink records sightings.
type AssetSink interface {
	UpsertAsset(ctx context.Context, a market.Asset) (bool, error)
}

// DiscoverConfig configures the listing poll.
type DiscoverConfig struct {
	Sort      string        `yaml:"sort"`
	Order     string        `yaml:"order"`
	Interval  time.Duration `yaml:"interval"`
	Blacklist []string      `yaml:"blacklist"`
	Retry     retry.Policy  `yaml:"retry"`
}

// DefaultDiscoverConfig polls the newest listings every five seconds.
func DefaultDiscoverConfig() DiscoverConfig {
	return DiscoverConfig{
		Sort:      pumpfun.SortCreated,
		Order:     "DESC",
		Interval:  5 * time.Second,
		Blacklist: DefaultBlacklist,
		Retry:     retry.DefaultPolicy(),
	}
}

// Discoverer creates assets on first sighting and refreshes them afterwards.
type Discoverer struct {
	cfg       DiscoverConfig
	lister    Lister
	sink      AssetSink
	blacklist Blacklist
	pub       Publisher
	topic     string
	metrics   *observability.Metrics

	polls   atomic.Int64
	seen    atomic.Int64
	created atomic.Int64
	errors  atomic.Int64
}

// NewDiscoverer creates a discoverer. lister may be nil for stream-only use.
func NewDiscoverer(cfg DiscoverConfig, lister Lister, sink AssetSink) *Discoverer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Discoverer{
		cfg:       cfg,
		lister:    lister,
		sink:      sink,
		blacklist: NewBlacklist(cfg.Blacklist...),
		metrics:   observability.NewMetrics(observability.NewRegistry()),
	}
}

// SetPublisher emits an AssetSightedEvent for every newly created asset.
func (d *Discoverer) SetPublisher(pub Publisher, topic string) {
	d.pub = pub
	d.topic = topic
}

// SetMetrics records discovery metrics into m.
func (d *Discoverer) SetMetrics(m *observability.Metrics) {
	if m != nil {
		d.metrics = m
	}
}

// Record upserts one sighting. Blacklisted mints are ignored.
func (d *Discoverer) Record(ctx context.Context, a market.Asset, source string) (bool, error) {
	if d.blacklist.Contains(a.Mint) {
		return false, nil
	}
	d.seen.Add(1)
	created, err := d.sink.UpsertAsset(ctx, a)
	if err != nil {
		d.errors.Add(1)
		return false, err
	}
	if !created {
		return false, nil
	}
	d.created.Add(1)
	d.metrics.AssetsSighted.Inc()
	log.Info().
		Str("mint", a.Mint).
		Str("symbol", a.Symbol).
		Str("creator", a.Creator).
		Str("source", source).
		Msg("discover: new asset")

	if d.pub != nil {
		ev := bus.AssetSightedEvent{
			BaseEvent: bus.NewBaseEvent("pumpscope-discover", ""),
			Mint:      a.Mint,
			Symbol:    a.Symbol,
			Creator:   a.Creator,
			Source:    source,
			CreatedAt: a.CreatedAt,
		}
		if err := d.pub.PublishJSON(ctx, d.topic, a.Mint, ev); err != nil {
			log.Warn().Err(err).Str("mint", a.Mint).Msg("discover: sighting event not published")
		}
	}
	return true, nil
}

// Poll reads one listing page and records every asset on it.
func (d *Discoverer) Poll(ctx context.Context) (seen, created int, err error) {
	if d.lister == nil {
		return 0, 0, fmt.Errorf("discover: no lister configured")
	}
	d.polls.Add(1)
	var assets []market.Asset
	err = d.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		assets, err = d.lister.ListAssets(ctx, d.cfg.Sort, d.cfg.Order)
		return err
	})
	if err != nil {
		d.errors.Add(1)
		return 0, 0, fmt.Errorf("discover: list assets: %w", err)
	}
	for _, a := range assets {
		if d.blacklist.Contains(a.Mint) {
			continue
		}
		ok, err := d.Record(ctx, a, "listing")
		if err != nil {
			log.Warn().Err(err).Str("mint", a.Mint).Msg("discover: upsert failed")
			continue
		}
		seen++
		if ok {
			created++
		}
	}
	return seen, created, nil
}

// Run polls every Interval until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) error {
	log.Info().
		Str("sort", d.cfg.Sort).
		Str("order", d.cfg.Order).
		Dur("interval", d.cfg.Interval).
		Msg("discover: polling listings")
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("class", retry.Class(err)).Msg("discover: poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Consume records stream sightings until the channel closes or ctx ends.
func (d *Discoverer) Consume(ctx context.Context, assets <-chan market.Asset) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-assets:
			if !ok {
				return nil
			}
			if _, err := d.Record(ctx, a, "stream"); err != nil {
				log.Warn().Err(err).Str("mint", a.Mint).Msg("discover: upsert failed")
			}
		}
	}
}

// DiscoverStats is exposed on /stats.
type DiscoverStats struct {
	Polls   int64 `json:"polls"`
	Seen    int64 `json:"seen"`
	Created int64 `json:"created"`
	Errors  int64 `json:"errors"`
}

// Stats returns discovery counters.
func (d *Discoverer) Stats() DiscoverStats {
	return DiscoverStats{
		Polls:   d.polls.Load(),
		Seen:    d.seen.Load(),
		Created: d.created.Load(),
		Errors:  d.errors.Load(),
	}
}
