// Package queue wraps the AMQP broker holding the work and status queues.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Source.Next once the delivery stream has ended.
var ErrClosed = errors.New("queue: delivery stream closed")

// Delivery is one message awaiting manual acknowledgement.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Source yields deliveries one at a time.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}
