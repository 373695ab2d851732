package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	everrors "evermem/internal/errors"
	"evermem/internal/observability"
)

// Queue is C4's ingress: a bounded work queue of closed episodes. Submit
// must preserve per-conversation order across consumers (partitioned by
// conversation_id in the durable backend).
type Queue interface {
	Submit(ctx context.Context, ep Episode) error
	// Consume returns a channel of episodes; it is closed when ctx is done
	// or the underlying source is exhausted (durable backends never close
	// it on their own).
	Consume(ctx context.Context) <-chan Episode
	Close() error
}

// MemoryQueue is an in-process buffered-channel Queue, used for tests and
// single-node deployments.
type MemoryQueue struct {
	ch chan Episode
}

// NewMemoryQueue constructs a buffered in-process queue of the given depth.
func NewMemoryQueue(depth int) *MemoryQueue {
	if depth <= 0 {
		depth = 1000
	}
	return &MemoryQueue{ch: make(chan Episode, depth)}
}

func (q *MemoryQueue) Submit(ctx context.Context, ep Episode) error {
	select {
	case q.ch <- ep:
		return nil
	case <-ctx.Done():
		return everrors.New(everrors.KindCancelled, "extract.MemoryQueue.Submit", ctx.Err())
	default:
		return everrors.New(everrors.KindBufferUnavailable, "extract.MemoryQueue.Submit", fmt.Errorf("queue at capacity"))
	}
}

func (q *MemoryQueue) Consume(ctx context.Context) <-chan Episode {
	out := make(chan Episode)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ep, ok := <-q.ch:
				if !ok {
					return
				}
				select {
				case out <- ep:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (q *MemoryQueue) Close() error {
	close(q.ch)
	return nil
}

// Len reports the current queue depth, used by C10's backpressure check.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// KafkaQueue backs Queue with github.com/segmentio/kafka-go, partitioned by
// conversation_id (via the writer's Balancer) so a single conversation's
// episodes are always handled by the same consumer, preserving order.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaQueue constructs a producer+consumer pair against topic, using a
// hash balancer keyed by conversation_id for partition affinity.
func NewKafkaQueue(brokers []string, topic, groupID string) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &KafkaQueue{writer: writer, reader: reader}
}

func (q *KafkaQueue) Submit(ctx context.Context, ep Episode) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return everrors.New(everrors.KindValidation, "extract.KafkaQueue.Submit", err)
	}
	msg := kafka.Message{Key: []byte(ep.ConversationID), Value: payload}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return everrors.New(everrors.KindBufferUnavailable, "extract.KafkaQueue.Submit", err)
	}
	return nil
}

func (q *KafkaQueue) Consume(ctx context.Context) <-chan Episode {
	log := observability.LoggerWithTrace(ctx)
	out := make(chan Episode)
	go func() {
		defer close(out)
		for {
			msg, err := q.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("extract: kafka read failed")
				continue
			}
			var ep Episode
			if err := json.Unmarshal(msg.Value, &ep); err != nil {
				log.Error().Err(err).Msg("extract: kafka message decode failed, dropping")
				continue
			}
			select {
			case out <- ep:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (q *KafkaQueue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
