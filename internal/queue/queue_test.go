package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcknowledger struct {
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestConsumerNext(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := make(chan amqp.Delivery, 2)
	ch <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"a":1}`)}
	ch <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"b":2}`)}
	close(ch)

	c := &Consumer{deliveries: ch}
	ctx := context.Background()

	d, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(d.Body()) != `{"a":1}` {
		t.Errorf("Body = %s", d.Body())
	}
	if err := d.Ack(); err != nil {
		t.Fatal(err)
	}

	d, err = c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := d.Nack(true); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after close = %v, want ErrClosed", err)
	}

	if len(ack.acked) != 1 || ack.acked[0] != 1 {
		t.Errorf("acked = %v, want [1]", ack.acked)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 2 || !ack.requeued[0] {
		t.Errorf("nacked = %v requeue = %v", ack.nacked, ack.requeued)
	}
}

func TestConsumerNext_ContextCancel(t *testing.T) {
	c := &Consumer{deliveries: make(chan amqp.Delivery)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want deadline exceeded", err)
	}
}
