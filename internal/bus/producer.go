package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record published to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       string // partition key: mint or wallet
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes events. KafkaProducer talks to a broker; StubProducer
// keeps messages in memory for tests and broker-less runs.
type Producer interface {
	// Publish sends msg and waits for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value and publishes it synchronously.
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
	// Flush waits for buffered records. Returns 0 on success.
	Flush(timeout time.Duration) int
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	clientID string
	linger   time.Duration
	maxBuf   int
}

// WithClientID sets the Kafka client id, also sent as the "producer" header.
func WithClientID(id string) ProducerOption {
	return func(c *producerConfig) { c.clientID = id }
}

// WithLinger sets the batching delay.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// WithMaxBufferedRecords bounds the client-side buffer.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBuf = n }
}

// KafkaProducer is a franz-go backed producer.
type KafkaProducer struct {
	client   *kgo.Client
	clientID string
	closed   atomic.Bool

	published atomic.Int64
	failed    atomic.Int64
}

// NewProducer connects a producer to the given brokers. Records are
// snappy-compressed and acknowledged by all in-sync replicas.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		clientID: "pumpscope",
		linger:   5 * time.Millisecond,
		maxBuf:   10000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBuf),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("client_id", cfg.clientID).
		Msg("bus: kafka producer created")

	return &KafkaProducer{client: client, clientID: cfg.clientID}, nil
}

func (p *KafkaProducer) record(msg Message) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: "producer", Value: []byte(p.clientID)},
		{Key: "schema_version", Value: []byte(SchemaVersion)},
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.New().String())})
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends msg synchronously.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.closed.Load() {
		return fmt.Errorf("bus: producer is closed")
	}
	results := p.client.ProduceSync(ctx, p.record(msg))
	if err := results.FirstErr(); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("bus: publish failed")
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}
	p.published.Add(1)
	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("bus: published")
	return nil
}

// PublishJSON marshals value and publishes it synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", topic, err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// Flush waits for buffered records. Returns 0 on success, 1 on error.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("bus: flush failed")
		return 1
	}
	return 0
}

// Close flushes and shuts the client down. Safe to call twice.
func (p *KafkaProducer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.client.Close()
	log.Info().
		Int64("published", p.published.Load()).
		Int64("failed", p.failed.Load()).
		Msg("bus: kafka producer closed")
}

// ProducerStats is exposed on /stats.
type ProducerStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Stats returns publish counters.
func (p *KafkaProducer) Stats() ProducerStats {
	return ProducerStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// ---------------------------------------------------------------------------
// StubProducer
// ---------------------------------------------------------------------------

// StubProducer buffers messages in memory.
type StubProducer struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned by every publish.
	Err error
}

// NewStubProducer creates an empty stub.
func NewStubProducer() *StubProducer {
	return &StubProducer{}
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	if p.Err != nil {
		return p.Err
	}
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
	log.Debug().Str("topic", msg.Topic).Int("bytes", len(msg.Value)).Msg("bus: stub publish")
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) Flush(time.Duration) int { return 0 }

func (p *StubProducer) Close() {}

// Messages returns a copy of everything published, optionally filtered by topic.
func (p *StubProducer) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
