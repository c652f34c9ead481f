package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
)

// Publisher is the bus side of the Kafka notifier.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
}

// Kafka publishes alerts as SmartTradeEvents, keyed by wallet.
type Kafka struct {
	pub      Publisher
	topic    string
	producer string
}

// NewKafka creates a notifier that publishes on topic.
func NewKafka(pub Publisher, topic string) *Kafka {
	return &Kafka{pub: pub, topic: topic, producer: "pumpscope-ingest"}
}

// Notify publishes st.
func (k *Kafka) Notify(ctx context.Context, st market.SmartTrade) error {
	ev := EventFromSmartTrade(st, k.producer)
	if err := k.pub.PublishJSON(ctx, k.topic, st.Wallet, ev); err != nil {
		return fmt.Errorf("notify: publish %s: %w", st.Signature, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Relay: bus → Notifier
// ---------------------------------------------------------------------------

// relayMemory is how many recent signatures the relay remembers.
const relayMemory = 4096

// Relay forwards SmartTradeEvents from the bus to a Notifier. Redelivered
// events it has already seen are dropped.
type Relay struct {
	consumer bus.Consumer
	out      Notifier

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int

	relayed    atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewRelay creates a relay.
func NewRelay(consumer bus.Consumer, out Notifier) *Relay {
	return &Relay{
		consumer: consumer,
		out:      out,
		seen:     make(map[string]struct{}, relayMemory),
		ring:     make([]string, relayMemory),
	}
}

// Run consumes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().Msg("notify: relay started")
	return r.consumer.Consume(ctx, r.Handle)
}

// Handle forwards one message.
func (r *Relay) Handle(ctx context.Context, msg bus.Message) error {
	var ev bus.SmartTradeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("notify: decode smart trade: %w", err)
	}
	if ev.Signature == "" {
		r.failed.Add(1)
		return fmt.Errorf("notify: smart trade event %s has no signature", ev.EventID)
	}
	if !r.remember(ev.Signature) {
		r.duplicates.Add(1)
		return nil
	}
	if err := r.out.Notify(ctx, SmartTradeFromEvent(ev)); err != nil {
		r.failed.Add(1)
		return err
	}
	r.relayed.Add(1)
	log.Info().
		Str("wallet", ev.Wallet).
		Str("signature", ev.Signature).
		Str("side", ev.Side).
		Msg("notify: smart trade relayed")
	return nil
}

// remember records sig and reports whether it was new.
func (r *Relay) remember(sig string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[sig]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = sig
	r.next = (r.next + 1) % len(r.ring)
	r.seen[sig] = struct{}{}
	return true
}

// RelayStats is exposed on /stats.
type RelayStats struct {
	Relayed    int64 `json:"relayed"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

// Stats returns relay counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Relayed:    r.relayed.Load(),
		Duplicates: r.duplicates.Load(),
		Failed:     r.failed.Load(),
	}
}
