package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/status"

	"github.com/rs/zerolog"
)

var ErrSupervisorStopped = errors.New("supervisor stopped")

const (
	// DefaultQRTTL is how long a QR code stays scannable.
	DefaultQRTTL = 5 * time.Minute

	eventBuffer  = 256
	writeBuffer  = 256
	writeTimeout = 10 * time.Second
	closeTimeout = 15 * time.Second
)

// Persister records lifecycle transitions in the control-plane store. Writes are best effort.
type Persister interface {
	PersistQR(ctx context.Context, sessionID, qr string, expiresAt time.Time) error
	PersistReady(ctx context.Context, sessionID string, info models.ClientInfo, deviceJID string, at time.Time) error
	PersistDisconnected(ctx context.Context, sessionID string, loggedOut bool, at time.Time) error
	// PersistAuthFailure clears any stored QR code without changing authentication state.
	PersistAuthFailure(ctx context.Context, sessionID string) error
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Registry  *Registry
	Factory   HandleFactory
	Persister Persister      // optional
	Status    status.Emitter // optional
	QRTTL     time.Duration
	// OnQR is called from the event loop for every new QR code.
	OnQR   func(sessionID, code string)
	Logger zerolog.Logger
}

type ensureRequest struct {
	desired Desired
	result  chan ensureResult
}

type ensureResult struct {
	started bool
	err     error
}

// Supervisor owns every session lifecycle mutation. Handle callbacks, start requests and
// close completions are all serialized through Run's loop.
type Supervisor struct {
	registry  *Registry
	factory   HandleFactory
	persister Persister
	status    status.Emitter
	qrTTL     time.Duration
	onQR      func(sessionID, code string)
	log       zerolog.Logger
	now       func() time.Time

	events   chan ProviderEvent
	requests chan ensureRequest
	closedCh chan string
	writes   chan func(context.Context) error

	// closing holds ids whose handle is still shutting down; owned by the loop.
	closing map[string]bool

	handles  sync.WaitGroup
	stopping chan struct{}
	done     chan struct{}
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.QRTTL <= 0 {
		cfg.QRTTL = DefaultQRTTL
	}
	if cfg.Persister == nil {
		cfg.Persister = nopPersister{}
	}
	if cfg.Status == nil {
		cfg.Status = nopEmitter{}
	}
	return &Supervisor{
		registry:  cfg.Registry,
		factory:   cfg.Factory,
		persister: cfg.Persister,
		status:    cfg.Status,
		qrTTL:     cfg.QRTTL,
		onQR:      cfg.OnQR,
		log:       cfg.Logger,
		now:       time.Now,
		events:    make(chan ProviderEvent, eventBuffer),
		requests:  make(chan ensureRequest),
		closedCh:  make(chan string),
		writes:    make(chan func(context.Context) error, writeBuffer),
		closing:   make(map[string]bool),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Registry returns the registry the supervisor writes to.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Run processes lifecycle work until ctx is cancelled, then closes every handle.
func (s *Supervisor) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go s.runWriter(writerDone)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			close(s.writes)
			<-writerDone
			close(s.done)
			return nil
		case req := <-s.requests:
			started, err := s.start(ctx, req.desired)
			req.result <- ensureResult{started: started, err: err}
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case id := <-s.closedCh:
			delete(s.closing, id)
		}
	}
}

// Ensure starts a session for d unless one is already registered or still closing.
// It reports whether a new handle was started.
func (s *Supervisor) Ensure(ctx context.Context, d Desired) (bool, error) {
	req := ensureRequest{desired: d, result: make(chan ensureResult, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.stopping:
		return false, ErrSupervisorStopped
	}
	select {
	case res := <-req.result:
		return res.started, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.stopping:
		return false, ErrSupervisorStopped
	}
}

// Done is closed once Run has returned and every handle is closed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) start(ctx context.Context, d Desired) (bool, error) {
	if d.SessionID == "" {
		return false, errors.New("session id is required")
	}
	if s.registry.Has(d.SessionID) || s.closing[d.SessionID] {
		return false, nil
	}

	gen := s.registry.reserve()
	emit := s.emitter(gen)
	h, err := s.factory.NewHandle(ctx, d, emit)
	if err != nil {
		return false, fmt.Errorf("failed to create handle for session %s: %w", d.SessionID, err)
	}

	sess := NewSession(d.SessionID, d.Meta, h, s.now())
	sess.generation = gen
	if err := s.registry.Register(sess); err != nil {
		_ = h.Close(ctx)
		return false, err
	}

	log := s.log.With().Str("session_id", d.SessionID).Logger()
	log.Info().Str("name", d.Meta.Name).Msg("session registered, starting handle")

	s.handles.Add(1)
	go func() {
		defer s.handles.Done()
		if err := h.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start session")
			emit(ProviderEvent{SessionID: d.SessionID, Kind: EventAuthFailure, Reason: err.Error()})
		}
	}()
	return true, nil
}

// emitter returns the callback handed to a handle; it tags events with the handle's generation.
func (s *Supervisor) emitter(gen uint64) func(ProviderEvent) {
	return func(ev ProviderEvent) {
		ev.generation = gen
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		select {
		case s.events <- ev:
		case <-s.stopping:
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev ProviderEvent) {
	log := s.log.With().Str("session_id", ev.SessionID).Str("event", string(ev.Kind)).Logger()

	sess, err := s.registry.Apply(ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleEvent), errors.Is(err, ErrSessionNotFound):
			log.Debug().Err(err).Msg("dropping event for unregistered handle")
		default:
			log.Warn().Err(err).Str("state", string(sess.State)).Msg("ignoring lifecycle event")
		}
		return
	}
	log.Info().Str("state", string(sess.State)).Msg("session state changed")

	base := status.Event{
		InstanceID:     sess.ID,
		OrganizationID: sess.Meta.OrganizationID,
		PhoneNumber:    sess.Meta.PhoneNumber,
	}
	id := sess.ID

	switch ev.Kind {
	case EventQR:
		expiresAt := ev.At.Add(s.qrTTL)
		code := ev.QRCode
		s.persist(id, func(ctx context.Context) error {
			return s.persister.PersistQR(ctx, id, code, expiresAt)
		})
		base.Status = status.KindQRCode
		base.QRCode = code
		s.status.Emit(ctx, base)
		if s.onQR != nil {
			s.onQR(id, code)
		}

	case EventAuthenticated:
		base.Status = status.KindAuthenticated
		s.status.Emit(ctx, base)

	case EventReady:
		var info models.ClientInfo
		if sess.Identity != nil {
			info = *sess.Identity
		}
		deviceJID, at := ev.DeviceJID, ev.At
		s.persist(id, func(ctx context.Context) error {
			return s.persister.PersistReady(ctx, id, info, deviceJID, at)
		})
		base.Status = status.KindReady
		base.ClientInfo = &info
		s.status.Emit(ctx, base)

	case EventDisconnected:
		loggedOut, at := ev.LoggedOut, ev.At
		s.persist(id, func(ctx context.Context) error {
			return s.persister.PersistDisconnected(ctx, id, loggedOut, at)
		})
		base.Status = status.KindDisconnected
		base.Error = ev.Reason
		base.LoggedOut = loggedOut
		s.status.Emit(ctx, base)
		s.teardown(id)

	case EventAuthFailure:
		s.persist(id, func(ctx context.Context) error {
			return s.persister.PersistAuthFailure(ctx, id)
		})
		base.Status = status.KindAuthFailure
		base.Error = ev.Reason
		s.status.Emit(ctx, base)
		s.teardown(id)
	}
}

// teardown unregisters id and closes its handle in the background.
func (s *Supervisor) teardown(id string) {
	sess, ok := s.registry.Unregister(id)
	if !ok || sess.handle == nil {
		return
	}
	s.closing[id] = true

	s.handles.Add(1)
	go func() {
		defer s.handles.Done()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sess.handle.Close(ctx); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("failed to close session handle")
		}
		select {
		case s.closedCh <- id:
		case <-s.stopping:
		}
	}()
}

func (s *Supervisor) shutdown() {
	close(s.stopping)

	sessions := s.registry.Snapshot()
	s.log.Info().Int("sessions", len(sessions)).Msg("closing sessions")
	for _, sess := range sessions {
		if _, ok := s.registry.Unregister(sess.ID); !ok || sess.handle == nil {
			continue
		}
		h, id := sess.handle, sess.ID
		s.handles.Add(1)
		go func() {
			defer s.handles.Done()
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := h.Close(ctx); err != nil {
				s.log.Warn().Err(err).Str("session_id", id).Msg("failed to close session handle")
			}
		}()
	}
	s.handles.Wait()
}

// persist queues a store write; writes run in order on one goroutine.
func (s *Supervisor) persist(sessionID string, fn func(context.Context) error) {
	select {
	case s.writes <- fn:
	default:
		s.log.Warn().Str("session_id", sessionID).Msg("persistence queue full, dropping write")
	}
}

func (s *Supervisor) runWriter(done chan<- struct{}) {
	defer close(done)
	for fn := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := fn(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist session state")
		}
		cancel()
	}
}

type nopPersister struct{}

func (nopPersister) PersistQR(context.Context, string, string, time.Time) error { return nil }
func (nopPersister) PersistReady(context.Context, string, models.ClientInfo, string, time.Time) error {
	return nil
}
func (nopPersister) PersistDisconnected(context.Context, string, bool, time.Time) error { return nil }
func (nopPersister) PersistAuthFailure(context.Context, string) error                   { return nil }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, status.Event) {}
