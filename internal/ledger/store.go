package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/retry"
)

// Config configures the MySQL ledger.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"` // per session
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	SlowQuery       time.Duration `yaml:"slow_query"`
	InsertBatch     int           `yaml:"insert_batch"`
}

// DefaultConfig returns a single-connection session setup.
func DefaultConfig() Config {
	return Config{
		DSN:             "pumpscope:pumpscope@tcp(localhost:3306)/pumpscope?charset=utf8mb4&parseTime=True&loc=UTC",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
		SlowQuery:       500 * time.Millisecond,
		InsertBatch:     200,
	}
}

// Store is one ledger session. It owns its own connection pool; workers must
// not share a Store.
type Store struct {
	db    *gorm.DB
	batch int
}

// Open connects to MySQL.
func Open(cfg Config) (*Store, error) {
	return OpenDialector(mysql.Open(cfg.DSN), cfg)
}

// OpenDialector connects through any gorm dialector.
func OpenDialector(d gorm.Dialector, cfg Config) (*Store, error) {
	db, err := gorm.Open(d, &gorm.Config{
		Logger:                 newGormLogger(cfg.SlowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger: pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	batch := cfg.InsertBatch
	if batch <= 0 {
		batch = 200
	}
	return &Store{db: db, batch: batch}, nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, batch: 200}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the session's pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Factory opens one Store per worker.
type Factory struct {
	cfg       Config
	dialector func(dsn string) gorm.Dialector

	mu       sync.Mutex
	migrated bool
}

// NewFactory returns a MySQL session factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg, dialector: mysql.Open}
}

// NewFactoryWith uses a custom dialector constructor, e.g. sqlite.Open.
func NewFactoryWith(cfg Config, dialector func(dsn string) gorm.Dialector) *Factory {
	return &Factory{cfg: cfg, dialector: dialector}
}

// Open returns a fresh session. Migration runs on the first session only.
func (f *Factory) Open(ctx context.Context) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfg
	cfg.AutoMigrate = cfg.AutoMigrate && !f.migrated
	s, err := OpenDialector(f.dialector(cfg.DSN), cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		f.migrated = true
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Assets and trades
// ---------------------------------------------------------------------------

// AssetExists reports whether mint has been sighted.
func (s *Store) AssetExists(ctx context.Context, mint string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&AssetRow{}).Where("mint = ?", mint).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("ledger: asset exists: %w", err)
	}
	return n > 0, nil
}

// TradeExists reports whether signature is already stored.
func (s *Store) TradeExists(ctx context.Context, signature string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TradeRow{}).Where("signature = ?", signature).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("ledger: trade exists: %w", err)
	}
	return n > 0, nil
}

// GetAsset loads one asset.
func (s *Store) GetAsset(ctx context.Context, mint string) (market.Asset, bool, error) {
	var row AssetRow
	err := s.db.WithContext(ctx).Where("mint = ?", mint).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Asset{}, false, nil
	}
	if err != nil {
		return market.Asset{}, false, fmt.Errorf("ledger: get asset: %w", err)
	}
	return row.asset(), true, nil
}

// UpsertAsset creates the asset on first sighting and refreshes its mutable
// market fields afterwards. The verdict is never touched here.
func (s *Store) UpsertAsset(ctx context.Context, a market.Asset) (created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = upsertAsset(tx, a)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ledger: upsert asset %s: %w", a.Mint, err)
	}
	return created, nil
}

func upsertAsset(tx *gorm.DB, a market.Asset) (bool, error) {
	res := tx.Model(&AssetRow{}).Where("mint = ?", a.Mint).Updates(mutableAssetColumns(a))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return false, nil
	}
	// MySQL reports 0 rows for an update that changed nothing.
	var n int64
	if err := tx.Model(&AssetRow{}).Where("mint = ?", a.Mint).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	row := assetRow(a)
	row.Rug = nil
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// InsertTrades stores trades, silently skipping known signatures. Returns the
// number of new rows.
func (s *Store) InsertTrades(ctx context.Context, trades []market.Trade) (int64, error) {
	n, err := insertTrades(s.db.WithContext(ctx), trades, s.batch)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert trades: %w", err)
	}
	return n, nil
}

func insertTrades(tx *gorm.DB, trades []market.Trade, batch int) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	// Duplicates inside one statement would still conflict on some drivers.
	rows := make([]TradeRow, 0, len(trades))
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if _, ok := seen[t.Signature]; ok {
			continue
		}
		seen[t.Signature] = struct{}{}
		rows = append(rows, tradeRow(t))
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, batch)
	return res.RowsAffected, res.Error
}

// AssetPass is everything one ingestion pass writes for an asset.
type AssetPass struct {
	Mint    string
	Verdict market.Verdict
	Trades  []market.Trade
	// Refreshed metadata, nil when the pass did not fetch it.
	Asset *market.Asset
}

// ErrAssetNotFound is returned when a pass targets a mint with no asset row
// and carries no metadata to create one.
var ErrAssetNotFound = errors.New("asset not found")

// PersistAssetPass writes the verdict, optional metadata, the trade batch and
// the last-trade advance in one transaction. Returns the number of new trades.
// A pass for an unknown mint without metadata fails with a permanent
// ErrAssetNotFound and writes nothing.
func (s *Store) PersistAssetPass(ctx context.Context, p AssetPass) (int64, error) {
	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Asset != nil {
			if _, err := upsertAsset(tx, *p.Asset); err != nil {
				return fmt.Errorf("asset: %w", err)
			}
		} else {
			// RowsAffected on the verdict update is unreliable here: MySQL
			// reports changed rows, not matched ones.
			var n int64
			if err := tx.Model(&AssetRow{}).Where("mint = ?", p.Mint).Count(&n).Error; err != nil {
				return fmt.Errorf("asset lookup: %w", err)
			}
			if n == 0 {
				return retry.Permanent(ErrAssetNotFound)
			}
		}

		cols := map[string]interface{}{"rug": RugCode(p.Verdict)}
		if ts, ok := market.MaxTimestamp(p.Trades); ok {
			cols["last_trade_timestamp"] = gorm.Expr(
				"CASE WHEN last_trade_timestamp IS NULL OR last_trade_timestamp < ? THEN ? ELSE last_trade_timestamp END", ts, ts)
		}
		if err := tx.Model(&AssetRow{}).Where("mint = ?", p.Mint).Updates(cols).Error; err != nil {
			return fmt.Errorf("verdict: %w", err)
		}

		n, err := insertTrades(tx, p.Trades, s.batch)
		if err != nil {
			return fmt.Errorf("trades: %w", err)
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: persist pass %s: %w", p.Mint, err)
	}
	return inserted, nil
}

// ---------------------------------------------------------------------------
// Wallet scores
// ---------------------------------------------------------------------------

// UpsertWalletScore replaces the wallet's score row.
func (s *Store) UpsertWalletScore(ctx context.Context, ws market.WalletScore) error {
	at := ws.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := WalletScoreRow{
		Address:  ws.Wallet,
		Score:    ws.Score,
		PnL1d:    ws.PnL1d,
		PnL7d:    ws.PnL7d,
		PnL30d:   ws.PnL30d,
		ScoredAt: at.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "pnl_1d", "pnl_7d", "pnl_30d", "scored_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ledger: upsert score %s: %w", ws.Wallet, err)
	}
	return nil
}

// GetWalletScore loads one score row.
func (s *Store) GetWalletScore(ctx context.Context, wallet string) (market.WalletScore, bool, error) {
	var row WalletScoreRow
	err := s.db.WithContext(ctx).Where("address = ?", wallet).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.WalletScore{}, false, nil
	}
	if err != nil {
		return market.WalletScore{}, false, fmt.Errorf("ledger: get score: %w", err)
	}
	return row.score(), true, nil
}

// LoadWatchSet returns every wallet scoring strictly above threshold.
func (s *Store) LoadWatchSet(ctx context.Context, threshold float64) (map[string]market.WalletScore, error) {
	var rows []WalletScoreRow
	if err := s.db.WithContext(ctx).Where("score > ?", threshold).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: load watch set: %w", err)
	}
	out := make(map[string]market.WalletScore, len(rows))
	for _, r := range rows {
		out[r.Address] = r.score()
	}
	return out, nil
}

// CountWallets counts distinct trading wallets.
func (s *Store) CountWallets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&TradeRow{}).Distinct("wallet").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("ledger: count wallets: %w", err)
	}
	return n, nil
}

// ListWallets pages the distinct wallet population in a stable order.
func (s *Store) ListWallets(ctx context.Context, offset, limit int64) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&TradeRow{}).
		Distinct("wallet").
		Order("wallet").
		Limit(int(limit)).
		Offset(int(offset)).
		Pluck("wallet", &out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list wallets: %w", err)
	}
	return out, nil
}

type walletTradeRow struct {
	TradeRow
	Creator       string
	TokenDecimals uint8
}

// WalletTrades returns the wallet's full history joined with each asset's
// creator and unit divisors, oldest first.
func (s *Store) WalletTrades(ctx context.Context, wallet string) ([]market.WalletTrade, error) {
	var rows []walletTradeRow
	err := s.db.WithContext(ctx).
		Table("pump_fun_trade AS t").
		Select("t.*, COALESCE(a.creator, '') AS creator, COALESCE(a.token_decimals, 0) AS token_decimals").
		Joins("LEFT JOIN pump_fun_mint AS a ON a.mint = t.mint").
		Where("t.wallet = ?", wallet).
		Order("t.timestamp, t.signature").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: wallet trades %s: %w", wallet, err)
	}
	out := make([]market.WalletTrade, len(rows))
	for i, r := range rows {
		out[i] = market.WalletTrade{Trade: r.trade(), Creator: r.Creator, Units: market.UnitsForDecimals(r.TokenDecimals)}
	}
	return out, nil
}

// LastTrades returns the most recent trade of each mint. Ties on timestamp
// resolve to the lowest signature.
func (s *Store) LastTrades(ctx context.Context, mints []string) (map[string]market.Trade, error) {
	out := make(map[string]market.Trade, len(mints))
	if len(mints) == 0 {
		return out, nil
	}
	latest := s.db.Model(&TradeRow{}).
		Select("mint, MAX(timestamp) AS ts").
		Where("mint IN ?", mints).
		Group("mint")

	var rows []TradeRow
	err := s.db.WithContext(ctx).
		Table("pump_fun_trade AS t").
		Select("t.*").
		Joins("JOIN (?) AS m ON m.mint = t.mint AND m.ts = t.timestamp", latest).
		Order("t.signature").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: last trades: %w", err)
	}
	for _, r := range rows {
		if _, ok := out[r.Mint]; !ok {
			out[r.Mint] = r.trade()
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Smart trade alerts
// ---------------------------------------------------------------------------

// RecordSmartTrade stores the alert record unless it already exists.
func (s *Store) RecordSmartTrade(ctx context.Context, st market.SmartTrade) error {
	row := smartTradeRow(st)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: record smart trade %s: %w", st.Signature, err)
	}
	return nil
}

// CheckAndMarkSent flips the sent flag of signature. It returns true only for
// the single caller that performed the transition.
func (s *Store) CheckAndMarkSent(ctx context.Context, signature string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SmartTradeRow{}).
		Where("signature = ? AND message_sent = ?", signature, false).
		Update("message_sent", true)
	if res.Error != nil {
		return false, fmt.Errorf("ledger: mark sent %s: %w", signature, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UnsentSmartTrades returns recorded alerts that were never delivered, oldest
// first.
func (s *Store) UnsentSmartTrades(ctx context.Context, limit int) ([]market.SmartTrade, error) {
	var rows []SmartTradeRow
	q := s.db.WithContext(ctx).Where("message_sent = ?", false).Order("timestamp, signature")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: unsent smart trades: %w", err)
	}
	out := make([]market.SmartTrade, len(rows))
	for i, r := range rows {
		out[i] = r.smartTrade()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Backlog
// ---------------------------------------------------------------------------

// BacklogMode selects which assets an ingestion run revisits.
type BacklogMode string

const (
	BacklogNew     BacklogMode = "new"     // verdict unknown
	BacklogCheck   BacklogMode = "check"   // verdict unknown or clean
	BacklogFull    BacklogMode = "full"    // every asset
	BacklogStale   BacklogMode = "stale"   // never traded
	BacklogLagging BacklogMode = "lagging" // listing saw trades the ledger lacks
	BacklogQuick   BacklogMode = "quick"   // recently active or inflowing
)

// BacklogModes lists every mode.
var BacklogModes = []BacklogMode{BacklogNew, BacklogCheck, BacklogFull, BacklogStale, BacklogLagging, BacklogQuick}

// ParseBacklogMode validates a mode name.
func ParseBacklogMode(s string) (BacklogMode, error) {
	for _, m := range BacklogModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("ledger: unknown backlog mode %q", s)
}

// DefaultLimit is the row cap a mode uses when none is given.
func (m BacklogMode) DefaultLimit() int {
	switch m {
	case BacklogNew, BacklogLagging:
		return 100
	case BacklogCheck:
		return 500
	case BacklogQuick:
		return 50
	default:
		return 0
	}
}

// BacklogQuery parameterises Backlog.
type BacklogQuery struct {
	Mode  BacklogMode
	Desc  bool // newest first
	Limit int  // 0 → mode default, negative → unlimited
	Now   time.Time
}

type refRow struct {
	Mint    string
	Creator string
	Symbol  string
}

func (r refRow) ref() market.AssetRef {
	return market.AssetRef{Mint: r.Mint, Creator: r.Creator, Symbol: r.Symbol}
}

// Backlog lists assets due for an ingestion pass under q.Mode.
func (s *Store) Backlog(ctx context.Context, q BacklogQuery) ([]market.AssetRef, error) {
	limit := q.Limit
	if limit == 0 {
		limit = q.Mode.DefaultLimit()
	}
	order := "created_timestamp"
	if q.Desc {
		order += " DESC"
	}

	base := s.db.WithContext(ctx).Model(&AssetRow{}).Select("mint, creator, symbol")
	var rows []refRow
	var err error
	switch q.Mode {
	case BacklogNew:
		err = withLimit(base.Where("rug IS NULL").Order(order), limit).Scan(&rows).Error
	case BacklogCheck:
		err = withLimit(base.Where("rug IS NULL OR rug = ?", 0).Order(order), limit).Scan(&rows).Error
	case BacklogFull:
		err = withLimit(base.Order(order), limit).Scan(&rows).Error
	case BacklogStale:
		err = withLimit(base.Where("last_trade_timestamp IS NULL").Order(order), limit).Scan(&rows).Error
	case BacklogLagging:
		newest := s.db.Model(&TradeRow{}).Select("COALESCE(MAX(timestamp), 0)").Where("pump_fun_trade.mint = pump_fun_mint.mint")
		err = withLimit(base.Where("last_trade_timestamp > (?)", newest).Order(order), limit).Scan(&rows).Error
	case BacklogQuick:
		return s.quickBacklog(ctx, q.Now, limit)
	default:
		return nil, fmt.Errorf("ledger: unknown backlog mode %q", q.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: backlog %s: %w", q.Mode, err)
	}
	out := make([]market.AssetRef, len(rows))
	for i, r := range rows {
		out[i] = r.ref()
	}
	return out, nil
}

func withLimit(q *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return q.Limit(limit)
	}
	return q
}

// quickBacklog merges the most recently traded assets with the top net SOL
// inflows over the last 5 and 10 minutes, first occurrence wins.
func (s *Store) quickBacklog(ctx context.Context, now time.Time, limit int) ([]market.AssetRef, error) {
	if now.IsZero() {
		now = time.Now()
	}
	if limit <= 0 {
		limit = BacklogQuick.DefaultLimit()
	}

	var recent []refRow
	err := s.db.WithContext(ctx).Model(&AssetRow{}).
		Select("mint, creator, symbol").
		Where("last_trade_timestamp IS NOT NULL").
		Order("last_trade_timestamp DESC").
		Limit(limit).
		Scan(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: backlog quick: %w", err)
	}

	lists := [][]refRow{recent}
	for _, window := range []time.Duration{5 * time.Minute, 10 * time.Minute} {
		in, err := s.topInflow(ctx, now.Add(-window).Unix(), limit)
		if err != nil {
			return nil, err
		}
		lists = append(lists, in)
	}

	var out []market.AssetRef
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, r := range l {
			if _, ok := seen[r.Mint]; ok {
				continue
			}
			seen[r.Mint] = struct{}{}
			out = append(out, r.ref())
		}
	}
	return out, nil
}

type inflowRow struct {
	Mint    string
	Creator string
	Symbol  string
	Net     int64
}

func (s *Store) topInflow(ctx context.Context, since int64, limit int) ([]refRow, error) {
	var rows []inflowRow
	err := s.db.WithContext(ctx).
		Table("pump_fun_trade AS t").
		Select("t.mint AS mint, a.creator AS creator, a.symbol AS symbol, "+
			"SUM(CASE WHEN t.is_buy THEN t.sol_amount ELSE -t.sol_amount END) AS net").
		Joins("JOIN pump_fun_mint AS a ON a.mint = t.mint").
		Where("t.timestamp >= ?", since).
		Group("t.mint, a.creator, a.symbol").
		Order("net DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: top inflow: %w", err)
	}
	out := make([]refRow, len(rows))
	for i, r := range rows {
		out[i] = refRow{Mint: r.Mint, Creator: r.Creator, Symbol: r.Symbol}
	}
	log.Debug().Int64("since", since).Int("assets", len(out)).Msg("ledger: top inflow")
	return out, nil
}
