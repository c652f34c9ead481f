package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every event this service emits.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"` // ingest pass or scoring cycle id
}

// NewBaseEvent creates a new BaseEvent with a generated id.
func NewBaseEvent(producer, correlationID string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		CorrelationID: correlationID,
	}
}

// --- Ingestion events ---

// VerdictEvent is emitted after an asset pass is persisted.
type VerdictEvent struct {
	BaseEvent
	Mint        string  `json:"mint"`
	Creator     string  `json:"creator"`
	Verdict     string  `json:"verdict"` // unknown|clean|flagged|flagged_wash
	Basis       string  `json:"basis"`   // token|sol
	CreatorBuy  float64 `json:"creator_buy"`
	CreatorSell float64 `json:"creator_sell"`
	GhostSell   float64 `json:"ghost_sell"`
	TradeCount  int     `json:"trade_count"`
	NewTrades   int64   `json:"new_trades"`
}

// SmartTradeEvent is a trade by a watched wallet.
type SmartTradeEvent struct {
	BaseEvent
	Signature string          `json:"signature"`
	Mint      string          `json:"mint"`
	Symbol    string          `json:"symbol"`
	Wallet    string          `json:"wallet"`
	Side      string          `json:"side"` // buy|sell
	AmountSOL decimal.Decimal `json:"amount_sol"`
	Tokens    decimal.Decimal `json:"tokens"`
	TradeTime time.Time       `json:"trade_ts"`
	Score     float64         `json:"score"`
	PnL1d     float64         `json:"pnl_1d"`
	PnL7d     float64         `json:"pnl_7d"`
	PnL30d    float64         `json:"pnl_30d"`
}

// AssetSightedEvent is emitted when discovery first records an asset.
type AssetSightedEvent struct {
	BaseEvent
	Mint      string    `json:"mint"`
	Symbol    string    `json:"symbol"`
	Creator   string    `json:"creator"`
	Source    string    `json:"source"` // listing|stream
	CreatedAt time.Time `json:"created_at"`
}

// --- Scoring events ---

// ScoreCycleEvent summarises one completed scoring pass.
type ScoreCycleEvent struct {
	BaseEvent
	Wallets   int64         `json:"wallets"`
	Scored    int64         `json:"scored"`
	Failed    int64         `json:"failed"`
	Workers   int           `json:"workers"`
	Duration  time.Duration `json:"duration_ns"`
	Cancelled bool          `json:"cancelled"`
}

// --- Heartbeat ---

// Heartbeat is published periodically by long-running modes.
type Heartbeat struct {
	BaseEvent
	Component string             `json:"component"`
	Status    string             `json:"status"` // healthy|degraded|unhealthy
	Uptime    time.Duration      `json:"uptime_seconds"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
