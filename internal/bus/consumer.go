package bus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. A returned error is logged; the
// offset is still committed.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from subscribed topics.
type Consumer interface {
	// Consume runs the poll loop until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// KafkaConsumer is a franz-go group consumer with auto-commit.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	closed  atomic.Bool
}

// NewConsumer joins groupID and subscribes to topics. New groups start from the
// earliest offset.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("bus: at least one topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("bus: kafka consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

// Consume polls until ctx ends, handing each record to handler.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	if c.closed.Load() {
		return fmt.Errorf("bus: consumer is closed")
	}
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			log.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("bus: fetch error")
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if err := handler(ctx, recordToMessage(r)); err != nil {
				log.Error().Err(err).
					Str("topic", r.Topic).
					Int64("offset", r.Offset).
					Msg("bus: handler error")
			}
		})
		c.client.AllowRebalance()
	}
}

// Close commits final offsets and leaves the group.
func (c *KafkaConsumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}
