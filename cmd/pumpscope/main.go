package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/clickhouse"
	"github.com/pumpscope/pumpscope/internal/config"
	"github.com/pumpscope/pumpscope/internal/ingest"
	"github.com/pumpscope/pumpscope/internal/ledger"
	"github.com/pumpscope/pumpscope/internal/notify"
	"github.com/pumpscope/pumpscope/internal/observability"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/scoring"
)

const (
	modeDiscover = "discover"
	modeStream   = "stream"
	modeIngest   = "ingest"
	modeScore    = "score"
	modeRelay    = "relay"
)

// service holds what every mode shares.
type service struct {
	cfg      *config.Config
	mode     string
	once     bool
	started  time.Time
	topics   bus.TopicNaming
	registry *observability.Registry
	metrics  *observability.Metrics
	health   *observability.HealthMonitor
	producer bus.Producer
	factory  *ledger.Factory

	statsMu sync.Mutex
	stats   map[string]func() any
}

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "configs/pumpscope.yaml", "Path to configuration file (empty: defaults + environment)")
	mode := flag.String("mode", modeIngest, "discover|stream|ingest|score|relay")
	backlog := flag.String("backlog", "", "Backlog mode for ingest: new|check|full|stale|lagging|quick")
	workers := flag.Int("workers", 0, "Worker count for ingest or score (0: config)")
	sortKey := flag.String("sort", "", "Listing sort key for discover")
	order := flag.String("order", "", "Listing order for discover: ASC|DESC")
	once := flag.Bool("once", false, "Run one round, cycle or poll and exit")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, *mode, *backlog, *workers, *sortKey, *order); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(2)
	}

	// 3. Setup logging.
	setupLogging(cfg.General, *mode)
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("mode", *mode).
		Bool("once", *once).
		Bool("telegram", cfg.TelegramEnabled()).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("archive", cfg.ArchiveEnabled()).
		Msg("pumpscope: starting")

	// 4. Root context, cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := observability.NewRegistry()
	svc := &service{
		cfg:      cfg,
		mode:     *mode,
		once:     *once,
		started:  time.Now(),
		topics:   bus.TopicNaming{Prefix: cfg.Kafka.TopicPrefix},
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		health:   observability.NewHealthMonitor(15 * time.Second),
		factory:  ledger.NewFactory(cfg.Ledger),
		stats:    make(map[string]func() any),
	}

	// 5. Event bus.
	svc.producer, err = newProducer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("pumpscope: producer not created")
	}
	defer func() {
		if n := svc.producer.Flush(10 * time.Second); n != 0 {
			log.Warn().Int("unflushed", n).Msg("pumpscope: producer flush incomplete")
		}
		svc.producer.Close()
	}()
	if kp, ok := svc.producer.(*bus.KafkaProducer); ok {
		svc.addStats("producer", func() any { return kp.Stats() })
	}

	// 6. Ops endpoints and heartbeat.
	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		wg.Add(3)
		go func() { defer wg.Done(); svc.serveHTTP(ctx) }()
		go func() { defer wg.Done(); svc.health.Start(ctx) }()
		go func() { defer wg.Done(); svc.heartbeat(ctx) }()
	}

	// 7. Run the selected mode.
	runErr := svc.run(ctx)
	stop()
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Str("mode", *mode).Msg("pumpscope: exited with error")
		os.Exit(1)
	}
	log.Info().Str("mode", *mode).Dur("uptime", time.Since(svc.started)).Msg("pumpscope: shutdown complete")
}

// applyFlags layers command-line overrides on the loaded config.
func applyFlags(cfg *config.Config, mode, backlog string, workers int, sortKey, order string) error {
	switch mode {
	case modeDiscover, modeStream, modeIngest, modeScore, modeRelay:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if backlog != "" {
		m, err := ledger.ParseBacklogMode(backlog)
		if err != nil {
			return err
		}
		cfg.Ingest.Rounds.Mode = m
	}
	if workers > 0 {
		cfg.Ingest.Rounds.Workers = workers
		cfg.Scoring.Workers = workers
	}
	if sortKey != "" {
		cfg.Discover.Sort = sortKey
	}
	if order != "" {
		cfg.Discover.Order = strings.ToUpper(order)
	}
	return cfg.Validate()
}

func newProducer(cfg *config.Config) (bus.Producer, error) {
	if !cfg.Kafka.Enabled {
		log.Info().Msg("pumpscope: kafka disabled, events kept in memory")
		return bus.NewStubProducer(), nil
	}
	return bus.NewProducer(cfg.Kafka.Brokers,
		bus.WithClientID(cfg.Kafka.ClientID),
		bus.WithLinger(cfg.Kafka.Linger),
		bus.WithMaxBufferedRecords(cfg.Kafka.MaxBuffered),
	)
}

func (s *service) addStats(name string, fn func() any) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats[name] = fn
}

func (s *service) run(ctx context.Context) error {
	switch s.mode {
	case modeDiscover:
		return s.runDiscover(ctx)
	case modeStream:
		return s.runStream(ctx)
	case modeIngest:
		return s.runIngest(ctx)
	case modeScore:
		return s.runScore(ctx)
	case modeRelay:
		return s.runRelay(ctx)
	}
	return fmt.Errorf("unknown mode %q", s.mode)
}

// openOps opens the session used by the mode's main loop and registers its
// health check.
func (s *service) openOps(ctx context.Context) (*ledger.Store, error) {
	store, err := s.factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s.health.Register("ledger", observability.PingCheck(5*time.Second, store.Ping))
	return store, nil
}

// ---------------------------------------------------------------------------
// Modes
// ---------------------------------------------------------------------------

func (s *service) newDiscoverer(store *ledger.Store, lister ingest.Lister) *ingest.Discoverer {
	d := ingest.NewDiscoverer(s.cfg.Discover, lister, store)
	d.SetPublisher(s.producer, s.topics.AssetsSighted())
	d.SetMetrics(s.metrics)
	s.addStats("discover", func() any { return d.Stats() })
	return d
}

func (s *service) runDiscover(ctx context.Context) error {
	store, err := s.openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := pumpfun.NewClient(s.cfg.Feed, firstProxy(s.cfg.Feed.Proxies))
	if err != nil {
		return err
	}
	s.addStats("feed", func() any { return client.Stats() })

	d := s.newDiscoverer(store, client)
	if s.once {
		seen, created, err := d.Poll(ctx)
		log.Info().Int("seen", seen).Int("created", created).Msg("pumpscope: discovery poll done")
		return err
	}
	return d.Run(ctx)
}

func (s *service) runStream(ctx context.Context) error {
	store, err := s.openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stream := pumpfun.NewStream(s.cfg.Stream)
	s.health.Register("stream", observability.FlagCheck(stream.Connected, "websocket reconnecting"))
	s.addStats("stream", func() any { return stream.Stats() })

	d := s.newDiscoverer(store, nil)
	return d.Consume(ctx, stream.Start(ctx))
}

func (s *service) runIngest(ctx context.Context) error {
	store, err := s.openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := s.notifier()
	if err != nil {
		return err
	}
	archive, err := s.startArchive(ctx)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	build := func(ctx context.Context, i int, proxy string) (*ingest.Worker, error) {
		feed, err := pumpfun.NewClient(s.cfg.Feed, proxy)
		if err != nil {
			return nil, err
		}
		session, err := s.factory.Open(ctx)
		if err != nil {
			return nil, err
		}
		p := ingest.NewPipeline(s.cfg.Ingest.Config, feed, session, notifier)
		p.SetMetrics(s.metrics)
		p.SetPublisher(s.producer, s.topics.Verdicts())
		if archive != nil {
			p.SetArchive(archive)
		}
		return &ingest.Worker{Pipeline: p, Close: session.Close}, nil
	}

	job := ingest.NewJob(s.cfg.Ingest.Rounds, store, build)
	s.addStats("ingest", func() any { return job.Stats() })
	if s.once {
		_, err := job.RunOnce(ctx)
		return err
	}
	return job.Run(ctx)
}

func (s *service) runScore(ctx context.Context) error {
	store, err := s.openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	job := scoring.NewJob(s.cfg.Scoring, func(ctx context.Context) (scoring.Session, error) {
		session, err := s.factory.Open(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
	job.SetPublisher(s.producer, s.topics.ScoreCycles())
	job.SetMetrics(s.metrics)
	s.addStats("scoring", func() any { return job.Stats() })
	if s.once {
		_, err := job.RunCycle(ctx)
		return err
	}
	return job.Run(ctx)
}

func (s *service) runRelay(ctx context.Context) error {
	if !s.cfg.Kafka.Enabled || !s.cfg.TelegramEnabled() {
		return errors.New("relay needs kafka and telegram configured")
	}
	tg, err := notify.NewTelegram(s.cfg.Telegram)
	if err != nil {
		return err
	}
	consumer, err := bus.NewConsumer(s.cfg.Kafka.Brokers, s.cfg.Kafka.GroupID, []string{s.topics.SmartTrades()})
	if err != nil {
		return err
	}
	defer consumer.Close()

	relay := notify.NewRelay(consumer, tg)
	s.addStats("relay", func() any { return relay.Stats() })
	s.addStats("telegram", func() any { return tg.Stats() })
	return relay.Run(ctx)
}

// notifier picks the single alert sink for ingestion. With Kafka enabled
// alerts go to the topic only and the relay owns chat delivery. nil means
// alerts are only recorded.
func (s *service) notifier() (ingest.Notifier, error) {
	switch {
	case s.cfg.Kafka.Enabled:
		if s.cfg.TelegramEnabled() {
			log.Info().Msg("pumpscope: alerts published to kafka, telegram delivery left to the relay")
		}
		return notify.NewKafka(s.producer, s.topics.SmartTrades()), nil
	case s.cfg.TelegramEnabled():
		tg, err := notify.NewTelegram(s.cfg.Telegram)
		if err != nil {
			return nil, err
		}
		s.addStats("telegram", func() any { return tg.Stats() })
		return tg, nil
	}
	log.Warn().Msg("pumpscope: no alert sink configured, smart trades are recorded only")
	return nil, nil
}

// startArchive returns nil when no ClickHouse DSN is configured.
func (s *service) startArchive(ctx context.Context) (*clickhouse.ArchiveWriter, error) {
	if !s.cfg.ArchiveEnabled() {
		return nil, nil
	}
	chCfg := s.cfg.ClickHouse
	client, err := clickhouse.NewClient(chCfg.DSN)
	if err != nil {
		return nil, err
	}
	s.health.Register("clickhouse", func(ctx context.Context) observability.ComponentHealth {
		h := observability.PingCheck(5*time.Second, client.Ping)(ctx)
		if h.Status == observability.StatusUnhealthy {
			h.Status = observability.StatusDegraded
		}
		return h
	})
	if chCfg.CreateTables {
		if err := client.EnsureSchema(ctx, chCfg.Database); err != nil {
			return nil, err
		}
	}
	w := clickhouse.NewArchiveWriter(client, chCfg.Database, chCfg.BatchSize, chCfg.FlushInterval)
	w.Start(ctx)
	s.addStats("archive", func() any { return w.Stats() })
	return w, nil
}

func firstProxy(proxies []string) string {
	if len(proxies) == 0 {
		return ""
	}
	return proxies[0]
}

// ---------------------------------------------------------------------------
// Ops
// ---------------------------------------------------------------------------

func (s *service) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/health", s.health)
	mux.Handle("/metrics", observability.NewPrometheusExporter(s.registry))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		s.statsMu.Lock()
		combined := map[string]any{
			"mode":        s.mode,
			"instance_id": s.cfg.General.InstanceID,
			"uptime_s":    int64(time.Since(s.started).Seconds()),
		}
		for name, fn := range s.stats {
			combined[name] = fn()
		}
		s.statsMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(combined)
	})

	server := &http.Server{
		Addr:              s.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", s.cfg.Metrics.Addr).Msg("pumpscope: http server started (health + metrics + stats)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("pumpscope: http server error")
	}
}

// heartbeat publishes health and a metrics snapshot on the heartbeat topic.
func (s *service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Metrics.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.health.Check(ctx)
			if c, ok := h.Components["stream"]; ok {
				up := 0.0
				if c.Status == observability.StatusHealthy {
					up = 1
				}
				s.metrics.StreamUp.Set(up)
			}
			hb := bus.Heartbeat{
				BaseEvent: bus.NewBaseEvent(s.cfg.General.InstanceID, ""),
				Component: "pumpscope-" + s.mode,
				Status:    string(h.Status),
				Uptime:    time.Since(s.started),
				Metrics:   s.registry.Snapshot(),
			}
			if err := s.producer.PublishJSON(ctx, s.topics.Heartbeat(), s.cfg.General.InstanceID, hb); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("pumpscope: heartbeat not published")
			}
		}
	}
}

func setupLogging(general config.GeneralConfig, mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pumpscope-"+mode).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pumpscope-"+mode).
			Str("instance", general.InstanceID).Logger()
	}
}
