package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Broker owns one AMQP connection and a shared publishing channel. It redials when the connection drops.
type Broker struct {
	url string
	log zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	queues []string
	closed bool
}

// Dial connects to url. Failing here is fatal for the callers that need the broker.
func Dial(url string, log zerolog.Logger) (*Broker, error) {
	b := &Broker{url: url, log: log}
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionLocked()
}

func (b *Broker) connectionLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, errors.New("queue: broker closed")
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("queue: connect to broker: %w", err)
	}
	b.conn = conn
	b.pubCh = nil

	if len(b.queues) > 0 {
		if err := declare(conn, b.queues); err != nil {
			return nil, err
		}
	}
	b.log.Info().Msg("connected to AMQP broker")
	return conn, nil
}

// Declare makes sure each queue exists as durable. Queues are re-declared after a reconnect.
func (b *Broker) Declare(queues ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connectionLocked()
	if err != nil {
		return err
	}
	if err := declare(conn, queues); err != nil {
		return err
	}
	b.queues = append(b.queues, queues...)
	return nil
}

func declare(conn *amqp.Connection, queues []string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare %s: %w", q, err)
		}
	}
	return nil
}

// Publish sends body as a persistent JSON message to queue via the default exchange.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		conn, err := b.connectionLocked()
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("queue: open publish channel: %w", err)
		}
		b.pubCh = ch
	}

	err := b.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and starts a manual-ack consumer on queue.
func (b *Broker) Consume(queue, tag string, prefetch int) (*Consumer, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: consume %s: %w", queue, err)
	}
	return &Consumer{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// Close closes the connection; unacknowledged deliveries go back to their queues.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// Consumer is a single manual-ack subscription. It implements Source.
type Consumer struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &message{d: d}, nil
	}
}

// Close cancels the subscription and closes its channel.
func (c *Consumer) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	_ = c.ch.Cancel(c.tag, false)
	return c.ch.Close()
}

type message struct {
	d amqp.Delivery
}

func (m *message) Body() []byte            { return m.d.Body }
func (m *message) Ack() error              { return m.d.Ack(false) }
func (m *message) Nack(requeue bool) error { return m.d.Nack(false, requeue) }
