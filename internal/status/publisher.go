package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPublishTimeout bounds one sink write and how long Emit waits on a full queue.
const DefaultPublishTimeout = 5 * time.Second

const queueSize = 1024

// Sink receives published events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Emitter is what producers of status events depend on.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Publisher fans events out to its sinks from a single goroutine, preserving emit order.
// Sink failures are logged and dropped.
type Publisher struct {
	log     zerolog.Logger
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewPublisher starts a publisher; call Close to flush and stop it.
func NewPublisher(log zerolog.Logger, timeout time.Duration, sinks ...Sink) *Publisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	p := &Publisher{
		log:     log,
		sinks:   sinks,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit stamps ev and queues it. It drops the event if the queue stays full for the publish timeout.
func (p *Publisher) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn().Str("status", string(ev.Status)).Msg("publisher closed, dropping status event")
		return
	}

	select {
	case p.queue <- ev:
		return
	default:
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case p.queue <- ev:
	case <-ctx.Done():
		p.log.Warn().Str("status", string(ev.Status)).Msg("context done, dropping status event")
	case <-timer.C:
		p.log.Warn().Str("status", string(ev.Status)).Msg("status queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.publish(ev)
	}
}

func (p *Publisher) publish(ev Event) {
	for _, s := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := s.Publish(ctx, ev)
		cancel()
		if err != nil {
			p.log.Error().Err(err).
				Str("sink", s.Name()).
				Str("status", string(ev.Status)).
				Str("message_id", ev.MessageID).
				Str("instance_id", ev.InstanceID).
				Msg("failed to publish status event")
		}
	}
}

// Close stops accepting events, drains the queue, and waits for delivery to finish or ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
