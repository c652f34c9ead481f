package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pumpscope/pumpscope/internal/clickhouse"
	"github.com/pumpscope/pumpscope/internal/ingest"
	"github.com/pumpscope/pumpscope/internal/ledger"
	"github.com/pumpscope/pumpscope/internal/notify"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/scoring"
)

// Config is the root configuration structure for pumpscope.
type Config struct {
	General    GeneralConfig         `yaml:"general"`
	Ledger     ledger.Config         `yaml:"ledger"`
	Feed       pumpfun.Config        `yaml:"feed"`
	Stream     pumpfun.StreamConfig  `yaml:"stream"`
	Ingest     IngestConfig          `yaml:"ingest"`
	Discover   ingest.DiscoverConfig `yaml:"discover"`
	Scoring    scoring.JobConfig     `yaml:"scoring"`
	Telegram   notify.TelegramConfig `yaml:"telegram"`
	Kafka      KafkaConfig           `yaml:"kafka"`
	ClickHouse clickhouse.Config     `yaml:"clickhouse"`
	Metrics    MetricsConfig         `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

// IngestConfig holds the per-asset pass settings and the backlog round
// settings.
type IngestConfig struct {
	ingest.Config `yaml:",inline"`
	Rounds        ingest.JobConfig `yaml:"rounds"`
}

type KafkaConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Brokers     []string      `yaml:"brokers"`
	TopicPrefix string        `yaml:"topic_prefix"`
	ClientID    string        `yaml:"client_id"`
	GroupID     string        `yaml:"group_id"` // relay consumer group
	Linger      time.Duration `yaml:"linger"`
	MaxBuffered int           `yaml:"max_buffered"`
}

type MetricsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns a configuration with every section at its package default.
func Default() *Config {
	return &Config{
		Ledger:     ledger.DefaultConfig(),
		Feed:       pumpfun.DefaultConfig(),
		Stream:     pumpfun.DefaultStreamConfig(),
		Ingest:     IngestConfig{Config: ingest.DefaultConfig(), Rounds: ingest.DefaultJobConfig()},
		Discover:   ingest.DefaultDiscoverConfig(),
		Scoring:    scoring.DefaultJobConfig(),
		Telegram:   notify.DefaultTelegramConfig(),
		ClickHouse: clickhouse.DefaultConfig(),
		Metrics:    MetricsConfig{Enabled: true},
	}
}

// Load reads .env (when present), then the YAML file at path with ${VAR}
// expansion, on top of Default. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.General.InstanceID = "pumpscope-" + host
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	// LEDGER_DSN beats the file; MYSQL_* only fills an unset or default DSN.
	defaultDSN := ledger.DefaultConfig().DSN
	switch {
	case os.Getenv("LEDGER_DSN") != "":
		cfg.Ledger.DSN = os.Getenv("LEDGER_DSN")
	case cfg.Ledger.DSN == "" || cfg.Ledger.DSN == defaultDSN:
		cfg.Ledger.DSN = defaultDSN
		if dsn := mysqlDSNFromEnv(); dsn != "" {
			cfg.Ledger.DSN = dsn
		}
	}
	if cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Telegram.ChatID == "" {
		cfg.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	}

	if len(cfg.Ingest.Rounds.Proxies) == 0 && len(cfg.Feed.Proxies) > 0 {
		cfg.Ingest.Rounds.Proxies = cfg.Feed.Proxies
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "pumpscope"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.General.InstanceID
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "pumpscope-relay"
	}
	if cfg.Kafka.Linger == 0 {
		cfg.Kafka.Linger = 5 * time.Millisecond
	}
	if cfg.Kafka.MaxBuffered == 0 {
		cfg.Kafka.MaxBuffered = 10000
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.HeartbeatInterval == 0 {
		cfg.Metrics.HeartbeatInterval = 30 * time.Second
	}
}

// mysqlDSNFromEnv builds a DSN from the MYSQL_* variables, or "" when
// MYSQL_HOST is unset.
func mysqlDSNFromEnv() string {
	host := os.Getenv("MYSQL_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("MYSQL_PORT")
	if port == "" {
		port = "3306"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		os.Getenv("MYSQL_USER"), os.Getenv("MYSQL_PASSWORD"), host, port, os.Getenv("MYSQL_DATABASE"))
}

// Validate checks ranges and cross-section requirements.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.General.LogFormat) {
	case "json", "text":
	default:
		fail("general.log_format must be json or text, got %q", c.General.LogFormat)
	}

	if c.Ledger.DSN == "" {
		fail("ledger.dsn is required")
	}

	if c.Ingest.PageSize < 1 || c.Ingest.PageSize > pumpfun.PageSize {
		fail("ingest.page_size must be within 1..%d, got %d", pumpfun.PageSize, c.Ingest.PageSize)
	}
	if c.Ingest.PageBudget < 1 {
		fail("ingest.page_budget must be positive, got %d", c.Ingest.PageBudget)
	}
	if c.Ingest.Retry.MaxAttempts < 1 {
		fail("ingest.retry.max_attempts must be positive")
	}
	if c.Ingest.Rug.FlagRatio <= 0 || c.Ingest.Rug.WashRatio <= 0 {
		fail("ingest.rug ratios must be positive")
	}
	if _, err := ledger.ParseBacklogMode(string(c.Ingest.Rounds.Mode)); err != nil {
		fail("ingest.rounds.backlog: %v", err)
	}
	if c.Ingest.Rounds.Workers < 0 {
		fail("ingest.rounds.workers must not be negative")
	}

	if !pumpfun.ValidSort(c.Discover.Sort) {
		fail("discover.sort %q is not a listing sort key", c.Discover.Sort)
	}
	switch strings.ToUpper(c.Discover.Order) {
	case "ASC", "DESC":
	default:
		fail("discover.order must be ASC or DESC, got %q", c.Discover.Order)
	}

	if c.Scoring.Workers < 0 {
		fail("scoring.workers must not be negative")
	}
	if c.Scoring.BatchSize < 1 {
		fail("scoring.batch_size must be positive")
	}
	if c.Scoring.Retry.MaxAttempts < 1 {
		fail("scoring.retry.max_attempts must be positive")
	}

	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		fail("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		fail("kafka.brokers is required when kafka is enabled")
	}
	return errors.Join(errs...)
}

// TelegramEnabled reports whether chat delivery is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// ArchiveEnabled reports whether the ClickHouse archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ClickHouse.DSN != ""
}
