package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/queue"
	"github.com/Nikunj-TUM/tyke/internal/status"
	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/rs/zerolog"
)

var nopLog = zerolog.New(io.Discard)

type sentMessage struct {
	to, body string
}

type fakeHandle struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
	block   bool
}

func (h *fakeHandle) Start(context.Context) error { return nil }
func (h *fakeHandle) Close(context.Context) error { return nil }

func (h *fakeHandle) Send(ctx context.Context, to, body string) (whatsapp.SendReceipt, error) {
	if h.block {
		<-ctx.Done()
		return whatsapp.SendReceipt{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return whatsapp.SendReceipt{}, h.sendErr
	}
	h.sent = append(h.sent, sentMessage{to: to, body: body})
	return whatsapp.SendReceipt{MessageID: "wamid-" + to}, nil
}

func (h *fakeHandle) messages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMessage(nil), h.sent...)
}

type fakeDelivery struct {
	body []byte

	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) result() (acked, nacked, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeue
}

func delivery(t *testing.T, v any) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &fakeDelivery{body: body}
}

// sliceSource yields its deliveries in order, then ErrClosed.
type sliceSource struct {
	mu         sync.Mutex
	deliveries []queue.Delivery
}

func (s *sliceSource) Next(ctx context.Context) (queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deliveries) == 0 {
		return nil, queue.ErrClosed
	}
	d := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return d, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []status.Event
}

func (e *recordingEmitter) Emit(_ context.Context, ev status.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) all() []status.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]status.Event(nil), e.events...)
}

func (e *recordingEmitter) last(t *testing.T) status.Event {
	t.Helper()
	evs := e.all()
	if len(evs) == 0 {
		t.Fatal("no status events emitted")
	}
	return evs[len(evs)-1]
}

type fakeQuota struct {
	allowed bool
	err     error
}

func (q fakeQuota) WithinQuota(context.Context, string) (bool, error) { return q.allowed, q.err }

type fakeCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *fakeCounter) IncrementSent(_ context.Context, id string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[id]++
	return nil
}

// register adds a session for id and walks it to ready unless ready is false.
func register(t *testing.T, reg *whatsapp.Registry, id string, h whatsapp.Handle, ready bool) {
	t.Helper()
	s := whatsapp.NewSession(id, whatsapp.Metadata{OrganizationID: 7}, h, time.Now())
	if err := reg.Register(s); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if !ready {
		return
	}
	setReady(t, reg, id)
}

func setReady(t *testing.T, reg *whatsapp.Registry, id string) {
	t.Helper()
	for _, k := range []whatsapp.EventKind{whatsapp.EventAuthenticated, whatsapp.EventReady} {
		if _, err := reg.Apply(whatsapp.ProviderEvent{SessionID: id, Kind: k, At: time.Now()}); err != nil {
			t.Fatalf("apply %s to %s: %v", k, id, err)
		}
	}
}

func newTestConsumer(reg *whatsapp.Registry, em status.Emitter, mutate func(*Options)) *Consumer {
	opts := Options{
		Sessions:    reg,
		Status:      em,
		CountryCode: "91",
		SendTimeout: time.Second,
		Logger:      nopLog,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := NewConsumer(opts)
	c.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return c
}
