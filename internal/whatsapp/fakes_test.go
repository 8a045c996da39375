package whatsapp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/status"

	"github.com/rs/zerolog"
)

var nopLog = zerolog.New(io.Discard)

// --- fake handle ---

type fakeHandle struct {
	id   string
	emit func(ProviderEvent)

	mu       sync.Mutex
	started  int
	closed   int
	startErr error
}

func (h *fakeHandle) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return h.startErr
}

func (h *fakeHandle) Send(_ context.Context, to, _ string) (SendReceipt, error) {
	return SendReceipt{MessageID: "wa-" + to}, nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) startedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// --- fake factory ---

type fakeFactory struct {
	mu       sync.Mutex
	handles  map[string][]*fakeHandle
	err      error
	startErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{handles: make(map[string][]*fakeHandle)}
}

func (f *fakeFactory) NewHandle(_ context.Context, d Desired, emit func(ProviderEvent)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{id: d.SessionID, emit: emit, startErr: f.startErr}
	f.handles[d.SessionID] = append(f.handles[d.SessionID], h)
	return h, nil
}

func (f *fakeFactory) created(id string) []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles[id]...)
}

func (f *fakeFactory) last(t *testing.T, id string) *fakeHandle {
	t.Helper()
	hs := f.created(id)
	if len(hs) == 0 {
		t.Fatalf("no handle created for %s", id)
	}
	return hs[len(hs)-1]
}

// --- recorders ---

type recordingEmitter struct {
	mu     sync.Mutex
	events []status.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev status.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) kinds() []status.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]status.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recordingEmitter) find(kind status.Kind) (status.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Status == kind {
			return ev, true
		}
	}
	return status.Event{}, false
}

type persistCall struct {
	op        string
	sessionID string
	qr        string
	info      models.ClientInfo
	loggedOut bool
}

type recordingPersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (p *recordingPersister) record(c persistCall) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	return p.err
}

func (p *recordingPersister) PersistQR(_ context.Context, id, qr string, _ time.Time) error {
	return p.record(persistCall{op: "qr", sessionID: id, qr: qr})
}

func (p *recordingPersister) PersistReady(_ context.Context, id string, info models.ClientInfo, _ string, _ time.Time) error {
	return p.record(persistCall{op: "ready", sessionID: id, info: info})
}

func (p *recordingPersister) PersistDisconnected(_ context.Context, id string, loggedOut bool, _ time.Time) error {
	return p.record(persistCall{op: "disconnected", sessionID: id, loggedOut: loggedOut})
}

func (p *recordingPersister) PersistAuthFailure(_ context.Context, id string) error {
	return p.record(persistCall{op: "auth_failure", sessionID: id})
}

func (p *recordingPersister) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.op)
	}
	return out
}

// --- helpers ---

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, r *Registry, id string, want State) {
	t.Helper()
	waitFor(t, string(want)+" for "+id, func() bool {
		s, ok := r.Get(id)
		return ok && s.State == want
	})
}

type harness struct {
	sup       *Supervisor
	registry  *Registry
	factory   *fakeFactory
	status    *recordingEmitter
	persister *recordingPersister
	cancel    context.CancelFunc
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	return startHarnessWith(t, nil)
}

// startHarnessWith runs a supervisor over fakes; a nil persister records calls.
func startHarnessWith(t *testing.T, persister Persister) *harness {
	t.Helper()
	h := &harness{
		registry:  NewRegistry(),
		factory:   newFakeFactory(),
		status:    &recordingEmitter{},
		persister: &recordingPersister{},
	}
	if persister == nil {
		persister = h.persister
	}
	h.sup = NewSupervisor(SupervisorConfig{
		Registry:  h.registry,
		Factory:   h.factory,
		Persister: persister,
		Status:    h.status,
		Logger:    nopLog,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.sup.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.sup.Done():
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) ensure(t *testing.T, id string) *fakeHandle {
	t.Helper()
	started, err := h.sup.Ensure(context.Background(), Desired{SessionID: id, Meta: Metadata{OrganizationID: 9}})
	if err != nil {
		t.Fatalf("Ensure(%s): %v", id, err)
	}
	if !started {
		t.Fatalf("Ensure(%s) did not start a handle", id)
	}
	return h.factory.last(t, id)
}

var errBoom = errors.New("boom")
