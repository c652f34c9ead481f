package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/rugcheck"
)

const (
	tradesTable   = "trades"
	verdictsTable = "verdicts"
)

// VerdictRow is one archived classification.
type VerdictRow struct {
	Mint        string
	Creator     string
	Symbol      string
	Verdict     string
	Basis       string
	CreatorBuy  float64
	CreatorSell float64
	GhostSell   float64
	EvaluatedAt time.Time
}

// FlushHook replaces real inserts in tests.
type FlushHook func(ctx context.Context, table string, rows [][]any) error

// ArchiveWriter buffers trades and verdicts and inserts them in batches, on
// size, on a timer and on Close. Archive failures are logged and the rows
// dropped; the ledger already holds them.
type ArchiveWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	tradeBuf   []market.Trade
	verdictBuf []VerdictRow
	closed     bool

	flushes atomic.Int64
	rows    atomic.Int64
	errors  atomic.Int64
	dropped atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	flushHook FlushHook
}

// NewArchiveWriter creates a writer. client may be nil when a flush hook is set.
func NewArchiveWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *ArchiveWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &ArchiveWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		tradeBuf:      make([]market.Trade, 0, batchSize),
		verdictBuf:    make([]VerdictRow, 0, 64),
	}
}

// SetFlushHook routes flushes to hook instead of ClickHouse.
func (w *ArchiveWriter) SetFlushHook(hook FlushHook) {
	w.flushHook = hook
}

// AddTrades buffers a persisted trade batch.
func (w *ArchiveWriter) AddTrades(trades []market.Trade) {
	if len(trades) == 0 {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.dropped.Add(int64(len(trades)))
		return
	}
	w.tradeBuf = append(w.tradeBuf, trades...)
	full := len(w.tradeBuf)+len(w.verdictBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.flushNow()
	}
}

// AddVerdict buffers one classification.
func (w *ArchiveWriter) AddVerdict(ref market.AssetRef, a rugcheck.Assessment, at time.Time) {
	row := VerdictRow{
		Mint:        ref.Mint,
		Creator:     ref.Creator,
		Symbol:      ref.Symbol,
		Verdict:     a.Verdict.String(),
		Basis:       string(a.Basis),
		CreatorBuy:  a.CreatorBuy,
		CreatorSell: a.CreatorSell,
		GhostSell:   a.GhostSell,
		EvaluatedAt: at.UTC(),
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.dropped.Add(1)
		return
	}
	w.verdictBuf = append(w.verdictBuf, row)
	full := len(w.tradeBuf)+len(w.verdictBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.flushNow()
	}
}

func (w *ArchiveWriter) flushNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("clickhouse: size-triggered flush failed")
	}
}

// Start runs the interval flush loop in the background.
func (w *ArchiveWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("database", w.database).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: archive writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Warn().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush inserts everything buffered. Rows of a failed insert are dropped.
func (w *ArchiveWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	trades := w.tradeBuf
	verdicts := w.verdictBuf
	w.tradeBuf = make([]market.Trade, 0, w.batchSize)
	w.verdictBuf = make([]VerdictRow, 0, 64)
	w.mu.Unlock()

	if len(trades) == 0 && len(verdicts) == 0 {
		return nil
	}

	var firstErr error
	if len(trades) > 0 {
		if err := w.insert(ctx, tradesTable, tradeColumns, tradeRows(trades)); err != nil {
			w.failed(len(trades))
			firstErr = err
		}
	}
	if len(verdicts) > 0 {
		if err := w.insert(ctx, verdictsTable, verdictColumns, verdictRows(verdicts)); err != nil {
			w.failed(len(verdicts))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.flushes.Add(1)
	log.Debug().
		Int("trades", len(trades)).
		Int("verdicts", len(verdicts)).
		Int64("flushes", w.flushes.Load()).
		Msg("clickhouse: archive flushed")
	return firstErr
}

func (w *ArchiveWriter) failed(n int) {
	w.errors.Add(1)
	w.dropped.Add(int64(n))
}

const (
	tradeColumns   = "signature, mint, wallet, is_buy, sol_amount, token_amount, ts, tx_index"
	verdictColumns = "mint, creator, symbol, verdict, basis, creator_buy, creator_sell, ghost_sell, evaluated_at"
)

func tradeRows(trades []market.Trade) [][]any {
	rows := make([][]any, len(trades))
	for i, t := range trades {
		rows[i] = []any{t.Signature, t.Mint, t.Wallet, t.IsBuy, t.SolAmount, t.TokenAmount, t.Time().UTC(), t.TxIndex}
	}
	return rows
}

func verdictRows(verdicts []VerdictRow) [][]any {
	rows := make([][]any, len(verdicts))
	for i, v := range verdicts {
		rows[i] = []any{v.Mint, v.Creator, v.Symbol, v.Verdict, v.Basis, v.CreatorBuy, v.CreatorSell, v.GhostSell, v.EvaluatedAt}
	}
	return rows
}

func (w *ArchiveWriter) insert(ctx context.Context, table, columns string, rows [][]any) error {
	name := qualify(w.database, table)
	if w.flushHook != nil {
		if err := w.flushHook(ctx, name, rows); err != nil {
			return err
		}
		w.rows.Add(int64(len(rows)))
		return nil
	}

	batch, err := w.client.Conn().PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", name, columns))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: append %s row: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send %s batch: %w", table, err)
	}
	w.rows.Add(int64(len(rows)))
	return nil
}

// Close stops the loop, rejects further rows and flushes what is left.
func (w *ArchiveWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := w.Flush(ctx)
	log.Info().
		Int64("flushes", w.flushes.Load()).
		Int64("rows", w.rows.Load()).
		Int64("errors", w.errors.Load()).
		Int64("dropped", w.dropped.Load()).
		Msg("clickhouse: archive writer closed")
	return err
}

// ArchiveStats is exposed on /stats.
type ArchiveStats struct {
	Flushes         int64 `json:"flushes"`
	Rows            int64 `json:"rows"`
	Errors          int64 `json:"errors"`
	Dropped         int64 `json:"dropped"`
	PendingTrades   int   `json:"pending_trades"`
	PendingVerdicts int   `json:"pending_verdicts"`
}

// Stats returns writer counters.
func (w *ArchiveWriter) Stats() ArchiveStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ArchiveStats{
		Flushes:         w.flushes.Load(),
		Rows:            w.rows.Load(),
		Errors:          w.errors.Load(),
		Dropped:         w.dropped.Load(),
		PendingTrades:   len(w.tradeBuf),
		PendingVerdicts: len(w.verdictBuf),
	}
}
