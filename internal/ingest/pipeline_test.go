package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/observability"
	"github.com/pumpscope/pumpscope/internal/pumpfun"
	"github.com/pumpscope/pumpscope/internal/retry"
)

func seedTrades(f *fakeFeed, mint string, n int) {
	for i := 0; i < n; i++ {
		f.trades[mint] = append(f.trades[mint], trade(mint, mint+"-sig-"+string(rune('a'+i)), "w-other", true, 1, int64(1000+i)))
	}
}

func TestProcessAsset_StopsOnShortPage(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 3)
	l := newFakeLedger()
	p := NewPipeline(testConfig(), feed, l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1", Creator: "dev"})
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, out.State)
	assert.Equal(t, 2, out.Pages)
	assert.Equal(t, 3, out.Fetched)
	assert.Equal(t, int64(3), out.NewTrades)
}

func TestProcessAsset_PageBudget(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 10)
	p := NewPipeline(testConfig(), feed, newFakeLedger(), nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, 6, out.Fetched)
	assert.Equal(t, 3, feed.tradeCalls("m1"))
}

func TestProcessAsset_FullLastPageFetchesOneMore(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 4)
	p := NewPipeline(testConfig(), feed, newFakeLedger(), nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, 4, out.Fetched)
}

func TestProcessAsset_TransientErrorsRetried(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 1)
	feed.failN = 2
	p := NewPipeline(testConfig(), feed, newFakeLedger(), nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Fetched)
	assert.Equal(t, 3, feed.tradeCalls("m1"))
}

func TestProcessAsset_PermanentErrorAbortsBeforeWrite(t *testing.T) {
	feed := newFakeFeed()
	feed.tradeErr = retry.Permanent(errors.New("HTTP 404"))
	l := newFakeLedger()
	p := NewPipeline(testConfig(), feed, l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, StateDiscovered, out.State)
	assert.Equal(t, 1, feed.tradeCalls("m1"))
	assert.Empty(t, l.passes)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestProcessAsset_PersistFailureWritesNothingElse(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{trade("m1", "s1", "whale", true, 5, 100)}
	l := newFakeLedger()
	l.scores["whale"] = market.WalletScore{Wallet: "whale", Score: 50}
	l.persistErr = retry.Permanent(errors.New("deadlock"))
	n := &fakeNotifier{}
	a := &fakeArchive{}
	p := NewPipeline(testConfig(), feed, l, n)
	p.SetArchive(a)
	require.NoError(t, p.ReloadWatchSet(context.Background()))

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.Error(t, err)
	assert.Equal(t, StateClassified, out.State)
	assert.Empty(t, l.smart)
	assert.Zero(t, n.count())
	assert.Empty(t, a.trades)
}

func TestProcessAsset_ClassifiesAndPersistsVerdict(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{
		trade("m1", "s1", "dev", true, 100, 100),
		trade("m1", "s2", "dev", false, 80, 101),
	}
	l := newFakeLedger()
	p := NewPipeline(testConfig(), feed, l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1", Creator: "dev"})
	require.NoError(t, err)
	assert.Equal(t, market.VerdictFlagged, out.Assessment.Verdict)
	assert.Equal(t, market.VerdictFlagged, l.verdicts["m1"])
	require.Len(t, l.passes, 1)
	assert.Len(t, l.passes[0].Trades, 2)
}

func TestProcessAsset_EmptyBatchIsClean(t *testing.T) {
	l := newFakeLedger()
	p := NewPipeline(testConfig(), newFakeFeed(), l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m9", Creator: "dev"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Pages)
	assert.Equal(t, market.VerdictClean, l.verdicts["m9"])
}

func TestProcessAsset_MetadataRefresh(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{
		trade("m1", "s1", "dev", true, 100, 100),
		trade("m1", "s2", "dev", false, 90, 101),
	}
	feed.assets["m1"] = market.Asset{
		Mint:        "m1",
		Symbol:      "PUMP",
		Creator:     "dev",
		LastTradeAt: time.Unix(5000, 0),
	}
	l := newFakeLedger()
	cfg := testConfig()
	cfg.RefreshMetadata = true
	p := NewPipeline(cfg, feed, l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.NoError(t, err)
	assert.Equal(t, market.VerdictFlagged, out.Assessment.Verdict, "creator comes from metadata")
	require.Len(t, l.passes, 1)
	require.NotNil(t, l.passes[0].Asset)
	assert.Equal(t, "PUMP", l.passes[0].Asset.Symbol)
	assert.True(t, l.passes[0].Asset.LastTradeAt.IsZero())
}

func TestProcessAsset_MetadataFailureNotFatal(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 1)
	feed.assetErr = retry.Permanent(errors.New("HTTP 500"))
	l := newFakeLedger()
	cfg := testConfig()
	cfg.RefreshMetadata = true
	p := NewPipeline(cfg, feed, l, nil)

	out, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1"})
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, out.State)
	require.Len(t, l.passes, 1)
	assert.Nil(t, l.passes[0].Asset)
}

func TestAlerts_DeliveredOncePerSignature(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{
		trade("m1", "s1", "whale", true, 5, 100),
		trade("m1", "s2", "minnow", true, 5, 101),
		trade("m1", "s3", "whale", false, 2, 102),
	}
	l := newFakeLedger()
	l.scores["whale"] = market.WalletScore{Wallet: "whale", Score: 42, PnL1d: 1.5}
	l.scores["minnow"] = market.WalletScore{Wallet: "minnow", Score: 10}
	n := &fakeNotifier{}
	p := NewPipeline(testConfig(), feed, l, n)
	refs := []market.AssetRef{{Mint: "m1", Symbol: "PUMP"}}

	sum := p.Run(context.Background(), refs)
	assert.Equal(t, 2, sum.Alerts)
	require.Equal(t, 2, n.count())
	assert.Equal(t, "PUMP", n.got[0].Symbol)
	assert.Equal(t, 42.0, n.got[0].Reputation.Score)
	assert.Equal(t, 1, p.WatchSet().Len(), "threshold is strict")

	// A second pass over the same trades sends nothing new.
	sum = p.Run(context.Background(), refs)
	assert.Zero(t, sum.Alerts)
	assert.Equal(t, 2, n.count())
	assert.Zero(t, sum.NewTrades)
}

func TestAlerts_WithoutNotifierRecordedThenSwept(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{trade("m1", "s1", "whale", true, 5, 100)}
	l := newFakeLedger()
	l.scores["whale"] = market.WalletScore{Wallet: "whale", Score: 42}

	recorder := NewPipeline(testConfig(), feed, l, nil)
	sum := recorder.Run(context.Background(), []market.AssetRef{{Mint: "m1"}})
	assert.Zero(t, sum.Alerts)
	require.Contains(t, l.smart, "s1")
	assert.False(t, l.sent["s1"])

	_, err := recorder.SweepUnsent(context.Background())
	assert.Error(t, err)

	n := &fakeNotifier{}
	sender := NewPipeline(testConfig(), feed, l, n)
	sent, err := sender.SweepUnsent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, n.count())

	sent, err = sender.SweepUnsent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestAlerts_NotifyFailureNotRetried(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{trade("m1", "s1", "whale", true, 5, 100)}
	l := newFakeLedger()
	l.scores["whale"] = market.WalletScore{Wallet: "whale", Score: 42}
	n := &fakeNotifier{fail: errors.New("telegram: 429")}
	p := NewPipeline(testConfig(), feed, l, n)

	sum := p.Run(context.Background(), []market.AssetRef{{Mint: "m1"}})
	assert.Equal(t, 1, sum.Succeeded, "a failed alert does not fail the pass")
	assert.Zero(t, sum.Alerts)
	assert.Equal(t, int64(1), p.Stats().AlertFailures)
	assert.True(t, l.sent["s1"])

	n.fail = nil
	sent, err := p.SweepUnsent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestMirror_ArchiveAndPublisher(t *testing.T) {
	feed := newFakeFeed()
	feed.trades["m1"] = []market.Trade{
		trade("m1", "s1", "dev", true, 100, 100),
		trade("m1", "s2", "ghost", false, 60, 101),
	}
	l := newFakeLedger()
	a := &fakeArchive{}
	pub := bus.NewStubProducer()
	p := NewPipeline(testConfig(), feed, l, nil)
	p.SetArchive(a)
	p.SetPublisher(pub, bus.Topics.Verdicts())

	_, err := p.ProcessAsset(context.Background(), market.AssetRef{Mint: "m1", Creator: "dev"})
	require.NoError(t, err)

	assert.Len(t, a.trades, 2)
	assert.Equal(t, market.VerdictFlaggedWash, a.verdicts["m1"])

	msgs := pub.Messages(bus.Topics.Verdicts())
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Key)
	var ev bus.VerdictEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, "flagged_wash", ev.Verdict)
	assert.Equal(t, "token", ev.Basis)
	assert.Equal(t, 2, ev.TradeCount)
	assert.Equal(t, int64(2), ev.NewTrades)
}

func TestRun_FailedAssetDoesNotStopRun(t *testing.T) {
	feed := newFakeFeed()
	seedTrades(feed, "m1", 1)
	seedTrades(feed, "m3", 1)
	l := newFakeLedger()
	p := NewPipeline(testConfig(), &failingFeed{fakeFeed: feed, mint: "m2"}, l, nil)
	m := observability.NewMetrics(observability.NewRegistry())
	p.SetMetrics(m)

	sum := p.Run(context.Background(), []market.AssetRef{{Mint: "m1"}, {Mint: "m2"}, {Mint: "m3"}})
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"m1", "m3"}, l.persistedMints())
	assert.Equal(t, 3.0, m.AssetPasses.Value())
	assert.Equal(t, 1.0, m.AssetFailures.Value())
	assert.Equal(t, int64(3), m.PassLatency.Count())
}

func TestRun_CancelledBetweenAssets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(testConfig(), newFakeFeed(), newFakeLedger(), nil)

	sum := p.Run(ctx, []market.AssetRef{{Mint: "m1"}, {Mint: "m2"}})
	assert.True(t, sum.Cancelled)
	assert.Zero(t, sum.Succeeded)
}

func TestReloadWatchSet_KeepsSnapshotOnFailure(t *testing.T) {
	l := newFakeLedger()
	l.scores["whale"] = market.WalletScore{Wallet: "whale", Score: 42}
	p := NewPipeline(testConfig(), newFakeFeed(), l, nil)
	require.NoError(t, p.ReloadWatchSet(context.Background()))
	assert.Equal(t, 1, p.WatchSet().Len())

	l.watchErr = errors.New("connection refused")
	require.Error(t, p.ReloadWatchSet(context.Background()))
	assert.Equal(t, 1, p.WatchSet().Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "discovered", StateDiscovered.String())
	assert.Equal(t, "persisted", StatePersisted.String())
	assert.Equal(t, "unknown", State(99).String())
}

// failingFeed fails every trade fetch for one mint.
type failingFeed struct {
	*fakeFeed
	mint string
}

func (f *failingFeed) FetchTrades(ctx context.Context, mint string, offset, limit int) (pumpfun.TradePage, error) {
	if mint == f.mint {
		return pumpfun.TradePage{}, retry.Permanent(errors.New("HTTP 400"))
	}
	return f.fakeFeed.FetchTrades(ctx, mint, offset, limit)
}
