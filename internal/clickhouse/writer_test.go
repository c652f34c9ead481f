package clickhouse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/rugcheck"
)

func makeTrade(i int) market.Trade {
	return market.Trade{
		Signature:   "sig-" + string(rune('a'+i%26)),
		Mint:        "mint",
		SolAmount:   int64(i) * 1_000_000,
		TokenAmount: int64(i) * 1_000,
		IsBuy:       i%2 == 0,
		Wallet:      "wallet",
		Timestamp:   1_700_000_000 + int64(i),
	}
}

func makeTrades(n int) []market.Trade {
	out := make([]market.Trade, n)
	for i := range out {
		out[i] = makeTrade(i)
	}
	return out
}

type capture struct {
	mu     sync.Mutex
	tables map[string]int
	rows   [][]any
	fail   error
}

func (c *capture) hook(_ context.Context, table string, rows [][]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	if c.tables == nil {
		c.tables = make(map[string]int)
	}
	c.tables[table] += len(rows)
	c.rows = append(c.rows, rows...)
	return nil
}

func (c *capture) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[table]
}

func TestBatchSizeTrigger(t *testing.T) {
	c := &capture{}
	w := NewArchiveWriter(nil, "pumpscope", 10, time.Hour)
	w.SetFlushHook(c.hook)

	w.AddTrades(makeTrades(6))
	assert.Zero(t, c.count("pumpscope.trades"), "below batch size")

	w.AddTrades(makeTrades(4))
	assert.Equal(t, 10, c.count("pumpscope.trades"))
	assert.Zero(t, w.Stats().PendingTrades)
}

func TestBatchSizeCountsVerdicts(t *testing.T) {
	c := &capture{}
	w := NewArchiveWriter(nil, "", 3, time.Hour)
	w.SetFlushHook(c.hook)

	w.AddTrades(makeTrades(2))
	w.AddVerdict(market.AssetRef{Mint: "m1", Creator: "dev", Symbol: "ONE"},
		rugcheck.Assessment{Basis: rugcheck.BasisToken, CreatorBuy: 10, CreatorSell: 8, Verdict: market.VerdictFlagged},
		time.Unix(1_700_000_000, 0))

	assert.Equal(t, 2, c.count("trades"))
	assert.Equal(t, 1, c.count("verdicts"))
	last := c.rows[len(c.rows)-1]
	assert.Equal(t, []any{"m1", "dev", "ONE", "flagged", "token", 10.0, 8.0, 0.0, time.Unix(1_700_000_000, 0).UTC()}, last)
}

func TestTradeRowShape(t *testing.T) {
	idx := int64(3)
	tr := makeTrade(2)
	tr.TxIndex = &idx
	row := tradeRows([]market.Trade{tr})[0]
	require.Len(t, row, 8)
	assert.Equal(t, tr.Signature, row[0])
	assert.Equal(t, true, row[3])
	assert.Equal(t, time.Unix(tr.Timestamp, 0).UTC(), row[6])
	assert.Equal(t, &idx, row[7])
}

func TestFlushIntervalTrigger(t *testing.T) {
	var flushed atomic.Int64
	w := NewArchiveWriter(nil, "pumpscope", 1000, 20*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		flushed.Add(int64(len(rows)))
		return nil
	})

	w.AddTrades(makeTrades(5))
	w.Start(context.Background())

	assert.Eventually(t, func() bool { return flushed.Load() == 5 }, time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())
}

func TestFlushEmpty(t *testing.T) {
	called := false
	w := NewArchiveWriter(nil, "pumpscope", 100, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		called = true
		return nil
	})
	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, called)
}

func TestFailedFlushDropsRows(t *testing.T) {
	c := &capture{fail: errors.New("code: 241, memory limit exceeded")}
	w := NewArchiveWriter(nil, "pumpscope", 100, time.Hour)
	w.SetFlushHook(c.hook)

	w.AddTrades(makeTrades(7))
	err := w.Flush(context.Background())
	require.Error(t, err)

	st := w.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(7), st.Dropped)
	assert.Zero(t, st.PendingTrades)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	c := &capture{}
	w := NewArchiveWriter(nil, "pumpscope", 100, time.Hour)
	w.SetFlushHook(c.hook)

	w.AddTrades(makeTrades(3))
	require.NoError(t, w.Close())
	assert.Equal(t, 3, c.count("pumpscope.trades"))

	w.AddTrades(makeTrades(2))
	w.AddVerdict(market.AssetRef{Mint: "m"}, rugcheck.Assessment{}, time.Now())
	st := w.Stats()
	assert.Equal(t, int64(3), st.Dropped)
	assert.Zero(t, st.PendingTrades)
	assert.Equal(t, int64(3), st.Rows)
}

func TestConcurrentAdds(t *testing.T) {
	var flushed atomic.Int64
	w := NewArchiveWriter(nil, "pumpscope", 50, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		flushed.Add(int64(len(rows)))
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				w.AddTrades(makeTrades(3))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int64(900), flushed.Load())
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "trades", qualify("", "trades"))
	assert.Equal(t, "db.trades", qualify("db", "trades"))
}
