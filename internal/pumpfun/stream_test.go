package pumpfun

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenEvent_Asset(t *testing.T) {
	ev := tokenEvent{
		Mint:                  mintA,
		TraderPublicKey:       creatorA,
		TxType:                "create",
		BondingCurveKey:       "curve",
		VTokensInBondingCurve: 1_072_500_000.5,
		VSolInBondingCurve:    30.0279,
		MarketCapSol:          28.0,
		Name:                  "Cat",
		Symbol:                "CAT",
		URI:                   "https://ipfs.io/x",
	}
	seen := time.Unix(1700000000, 0)
	a, err := ev.asset(seen)
	require.NoError(t, err)
	assert.Equal(t, creatorA, a.Creator)
	assert.Equal(t, int64(30_027_900_000), a.VirtualSolReserves)
	assert.Equal(t, int64(1_072_500_000_500_000), a.VirtualTokenReserves)
	assert.Equal(t, seen.UTC(), a.CreatedAt)
	assert.Equal(t, "https://ipfs.io/x", a.MetadataURI)

	ev.TraderPublicKey = "bad key"
	_, err = ev.asset(seen)
	assert.Error(t, err)
}

func TestStream_EmitsCreatedTokens(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"Successfully subscribed to token creation events."}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"signature":"s1","mint":%q,"traderPublicKey":%q,"txType":"create","vSolInBondingCurve":30,"vTokensInBondingCurve":1073000000,"name":"Cat","symbol":"CAT"}`,
			mintA, creatorA)))

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.Start(ctx)

	select {
	case msg := <-subscribed:
		assert.JSONEq(t, `{"method":"subscribeNewToken"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case a := <-out:
		assert.Equal(t, mintA, a.Mint)
		assert.Equal(t, "CAT", a.Symbol)
		assert.Equal(t, int64(30_000_000_000), a.VirtualSolReserves)
	case <-time.After(5 * time.Second):
		t.Fatal("no asset emitted")
	}

	assert.True(t, s.Connected())
	require.Eventually(t, func() bool { return s.Stats().Malformed == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-out:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.Connected())
}
