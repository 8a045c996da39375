package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// QueuePublisher publishes a JSON body to a named durable queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// QueueSink writes events to the status queue.
type QueueSink struct {
	pub   QueuePublisher
	queue string
}

func NewQueueSink(pub QueuePublisher, queue string) *QueueSink {
	return &QueueSink{pub: pub, queue: queue}
}

func (s *QueueSink) Name() string { return "amqp:" + s.queue }

func (s *QueueSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}
	return s.pub.Publish(ctx, s.queue, body)
}

// KafkaSink mirrors events onto a Kafka topic, keyed by instance id.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns nil when brokers or topic are empty.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.writer.Topic }

func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var key []byte
	if ev.InstanceID != "" {
		key = []byte(ev.InstanceID)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: payload})
}

// Close closes the Kafka writer. Safe on a nil sink.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// Broadcaster hands events to in-process subscribers such as websocket clients.
// Slow subscribers miss events rather than stall the publisher.
type Broadcaster struct {
	mu        sync.RWMutex
	observers []chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) Name() string { return "broadcast" }

// Subscribe returns a channel that receives copies of every event.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 50)
	b.mu.Lock()
	b.observers = append(b.observers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, obs := range b.observers {
		if obs == ch {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *Broadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, obs := range b.observers {
		select {
		case obs <- ev:
		default:
		}
	}
	return nil
}
