package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
	"github.com/pumpscope/pumpscope/internal/retry"
)

func sampleTrade() market.SmartTrade {
	return market.SmartTrade{
		Trade: market.Trade{
			Signature:   "5sig",
			Mint:        "Mint111",
			SolAmount:   1_500_000_000,
			TokenAmount: 2_345_670_000,
			IsBuy:       true,
			Wallet:      "Wallet111",
			Timestamp:   1_700_000_000,
		},
		Symbol: "PEPE.X",
		Reputation: market.WalletScore{
			Wallet: "Wallet111",
			Score:  42.5,
			PnL1d:  1.25,
			PnL7d:  -0.5,
			PnL30d: 10,
		},
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `a\.b\-c\!`, EscapeMarkdownV2("a.b-c!"))
	assert.Equal(t, `\_\*\[\]\(\)`, EscapeMarkdownV2("_*[]()"))
	assert.Equal(t, "plain", EscapeMarkdownV2("plain"))
}

func TestFormatSmartTrade(t *testing.T) {
	msg := FormatSmartTrade(sampleTrade())
	assert.Contains(t, msg, `*Smart BUY* PEPE\.X`)
	assert.Contains(t, msg, "Wallet: `Wallet111`")
	assert.Contains(t, msg, `Score: 42\.50`)
	assert.Contains(t, msg, `Amount: 1\.5000 SOL / 2345\.67 tokens`)
	assert.Contains(t, msg, `PnL 1d/7d/30d: 1\.25 / \-0\.50 / 10\.00 SOL`)
	assert.Contains(t, msg, "Time: 2023\\-11\\-14T22:13:20Z")
	assert.Contains(t, msg, "[tx](https://solscan.io/tx/5sig)")
	assert.Contains(t, msg, "[chart](https://pump.fun/coin/Mint111)")

	st := sampleTrade()
	st.Symbol = ""
	st.IsBuy = false
	assert.Contains(t, FormatSmartTrade(st), "*Smart SELL* Mint111")
}

func TestEventRoundTrip(t *testing.T) {
	st := sampleTrade()
	ev := EventFromSmartTrade(st, "test")
	assert.Equal(t, "1.5", ev.AmountSOL.String())
	assert.Equal(t, "2345.67", ev.Tokens.String())
	assert.Equal(t, "buy", ev.Side)
	assert.Equal(t, st.Signature, ev.CorrelationID)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded bus.SmartTradeEvent
	require.NoError(t, json.Unmarshal(data, &decoded))

	back := SmartTradeFromEvent(decoded)
	assert.Equal(t, st.Trade, back.Trade)
	assert.Equal(t, st.Symbol, back.Symbol)
	assert.Equal(t, st.Reputation.Score, back.Reputation.Score)
	assert.Equal(t, st.Reputation.PnL7d, back.Reputation.PnL7d)
}

// ---------------------------------------------------------------------------
// Telegram
// ---------------------------------------------------------------------------

func testTelegram(t *testing.T, url string) *Telegram {
	t.Helper()
	cfg := DefaultTelegramConfig()
	cfg.BotToken = "123:SECRET"
	cfg.ChatID = "-100200"
	cfg.APIBase = url
	cfg.MessagesPerSecond = 0
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	tg, err := NewTelegram(cfg)
	require.NoError(t, err)
	return tg
}

func TestNewTelegram_RequiresCredentials(t *testing.T) {
	_, err := NewTelegram(DefaultTelegramConfig())
	assert.Error(t, err)
}

func TestTelegram_Notify(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:SECRET/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := testTelegram(t, srv.URL)
	require.NoError(t, tg.Notify(context.Background(), sampleTrade()))
	assert.Equal(t, "-100200", got.ChatID)
	assert.Equal(t, "MarkdownV2", got.ParseMode)
	assert.True(t, got.DisableWebPagePreview)
	assert.Contains(t, got.Text, "Smart BUY")
	assert.Equal(t, int64(1), tg.Stats().Sent)
}

func TestTelegram_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := testTelegram(t, srv.URL)
	require.NoError(t, tg.Send(context.Background(), "hi"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegram_BadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
	}))
	defer srv.Close()

	tg := testTelegram(t, srv.URL)
	err := tg.Notify(context.Background(), sampleTrade())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "can't parse entities")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int64(1), tg.Stats().Failed)
}

func TestTelegram_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	tg := testTelegram(t, base)
	err := tg.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

// ---------------------------------------------------------------------------
// Kafka, Relay
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu   sync.Mutex
	got  []market.SmartTrade
	fail error
}

func (n *recordingNotifier) Notify(_ context.Context, st market.SmartTrade) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.got = append(n.got, st)
	return nil
}

func TestKafka_Notify(t *testing.T) {
	pub := bus.NewStubProducer()
	k := NewKafka(pub, bus.Topics.SmartTrades())
	require.NoError(t, k.Notify(context.Background(), sampleTrade()))

	msgs := pub.Messages(bus.Topics.SmartTrades())
	require.Len(t, msgs, 1)
	assert.Equal(t, "Wallet111", msgs[0].Key)
	var ev bus.SmartTradeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, "5sig", ev.Signature)
	assert.Equal(t, "pumpscope-ingest", ev.Producer)

	pub.Err = errors.New("broker down")
	assert.ErrorContains(t, k.Notify(context.Background(), sampleTrade()), "broker down")
}

type sliceConsumer struct {
	msgs []bus.Message
}

func (c *sliceConsumer) Consume(ctx context.Context, h bus.MessageHandler) error {
	for _, m := range c.msgs {
		_ = h(ctx, m)
	}
	return nil
}

func (c *sliceConsumer) Close() {}

func TestRelay_ForwardsAndDedups(t *testing.T) {
	pub := bus.NewStubProducer()
	k := NewKafka(pub, bus.Topics.SmartTrades())
	first := sampleTrade()
	second := sampleTrade()
	second.Signature = "6sig"
	require.NoError(t, k.Notify(context.Background(), first))
	require.NoError(t, k.Notify(context.Background(), second))
	require.NoError(t, k.Notify(context.Background(), first))

	msgs := append(pub.Messages(""), bus.Message{Value: []byte("not json")})
	out := &recordingNotifier{}
	r := NewRelay(&sliceConsumer{msgs: msgs}, out)
	require.NoError(t, r.Run(context.Background()))

	require.Len(t, out.got, 2)
	assert.Equal(t, first.Trade, out.got[0].Trade)
	assert.Equal(t, "6sig", out.got[1].Signature)
	st := r.Stats()
	assert.Equal(t, int64(2), st.Relayed)
	assert.Equal(t, int64(1), st.Duplicates)
	assert.Equal(t, int64(1), st.Failed)
}

func TestRelay_MemoryIsBounded(t *testing.T) {
	r := NewRelay(&sliceConsumer{}, &recordingNotifier{})
	for i := 0; i < relayMemory+10; i++ {
		require.True(t, r.remember(fmt.Sprintf("sig-%d", i)))
	}
	assert.Len(t, r.seen, relayMemory)
	assert.False(t, r.remember(fmt.Sprintf("sig-%d", relayMemory+5)))
	assert.True(t, r.remember("sig-0"), "oldest signature was evicted")
}
