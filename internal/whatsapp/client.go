package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Nikunj-TUM/tyke/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// StoreConfig selects where whatsmeow keeps device credentials.
type StoreConfig struct {
	// Driver is "sqlite" (one file per session under Dir) or "postgres" (one shared DSN).
	Driver string
	DSN    string
	Dir    string
}

// ClientFactory builds whatsmeow-backed handles.
type ClientFactory struct {
	cfg StoreConfig
	log zerolog.Logger

	mu     sync.Mutex
	shared *sqlstore.Container
}

func NewClientFactory(cfg StoreConfig, log zerolog.Logger) *ClientFactory {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Dir == "" {
		cfg.Dir = "whatsapp_sessions"
	}
	return &ClientFactory{cfg: cfg, log: log}
}

func (f *ClientFactory) NewHandle(ctx context.Context, d Desired, emit func(ProviderEvent)) (Handle, error) {
	log := f.log.With().Str("session_id", d.SessionID).Logger()

	container, owned, err := f.container(ctx, d.SessionID)
	if err != nil {
		return nil, err
	}
	device, err := f.device(ctx, container, d)
	if err != nil {
		if owned {
			_ = container.Close()
		}
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("module", "whatsmeow").Logger()))
	// A dropped connection ends the handle; discovery starts a fresh one.
	client.EnableAutoReconnect = false

	h := &clientHandle{
		sessionID:     d.SessionID,
		client:        client,
		container:     container,
		ownsContainer: owned,
		emit:          emit,
		log:           log,
	}
	client.AddEventHandler(h.handleEvent)
	return h, nil
}

// container returns the device store for a session and whether the caller owns it.
func (f *ClientFactory) container(ctx context.Context, sessionID string) (*sqlstore.Container, bool, error) {
	dbLog := waLog.Zerolog(f.log.With().Str("module", "whatsmeow-db").Logger())

	if f.cfg.Driver == "postgres" {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.shared != nil {
			return f.shared, false, nil
		}
		db, err := sql.Open("pgx", f.cfg.DSN)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open whatsmeow store: %w", err)
		}
		container := sqlstore.NewWithDB(db, "postgres", dbLog)
		if err := container.Upgrade(ctx); err != nil {
			db.Close()
			return nil, false, fmt.Errorf("failed to upgrade whatsmeow store: %w", err)
		}
		f.shared = container
		return container, false, nil
	}

	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create store directory: %w", err)
	}
	path := filepath.Join(f.cfg.Dir, "whatsapp_session_"+storeFileName(sessionID)+".db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open whatsmeow database: %w", err)
	}
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}
	return container, true, nil
}

// device picks the stored device for d, or a fresh one that will need a QR scan.
func (f *ClientFactory) device(ctx context.Context, container *sqlstore.Container, d Desired) (*store.Device, error) {
	if f.cfg.Driver != "postgres" || d.SessionID == DefaultSessionID {
		return container.GetFirstDevice(ctx)
	}
	if d.Meta.DeviceJID != "" {
		jid, err := types.ParseJID(d.Meta.DeviceJID)
		if err == nil {
			dev, err := container.GetDevice(ctx, jid)
			if err != nil {
				return nil, err
			}
			if dev != nil {
				return dev, nil
			}
		}
	}
	return container.NewDevice(), nil
}

// Close releases the shared device store, if any.
func (f *ClientFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shared == nil {
		return nil
	}
	err := f.shared.Close()
	f.shared = nil
	return err
}

func storeFileName(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
}

// clientHandle adapts one whatsmeow client to Handle.
type clientHandle struct {
	sessionID     string
	client        *whatsmeow.Client
	container     *sqlstore.Container
	ownsContainer bool
	emit          func(ProviderEvent)
	log           zerolog.Logger

	mu            sync.Mutex
	authenticated bool
	closed        bool
	cancelQR      context.CancelFunc
}

func (h *clientHandle) Start(ctx context.Context) error {
	if h.client.Store.ID != nil {
		h.log.Info().Str("jid", h.client.Store.ID.String()).Msg("found existing session, restoring")
		if err := h.client.Connect(); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		return nil
	}

	h.log.Info().Msg("no stored session, starting QR login")
	qrCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelQR = cancel
	h.mu.Unlock()

	qrChan, err := h.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := h.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect client: %w", err)
	}
	go h.watchQR(qrChan)
	return nil
}

func (h *clientHandle) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventQR, QRCode: item.Code})
		case "success":
			// PairSuccess reports authentication.
		case "timeout":
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: "qr code timed out"})
		case "error":
			reason := "qr pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: reason})
		default:
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: item.Event})
		}
	}
}

func (h *clientHandle) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		h.log.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("device paired")
		if h.markAuthenticated() {
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthenticated})
		}
	case *events.Connected:
		if h.markAuthenticated() {
			h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthenticated})
		}
		info, deviceJID := h.identity()
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventReady, Identity: info, DeviceJID: deviceJID})
	case *events.Disconnected:
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventDisconnected, Reason: "connection lost"})
	case *events.StreamReplaced:
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventDisconnected, Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		h.emit(ProviderEvent{
			SessionID: h.sessionID,
			Kind:      EventDisconnected,
			Reason:    fmt.Sprintf("logged out: %v", v.Reason),
			LoggedOut: true,
		})
	case *events.ConnectFailure:
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.ClientOutdated:
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: "client outdated"})
	case *events.TemporaryBan:
		h.emit(ProviderEvent{SessionID: h.sessionID, Kind: EventAuthFailure, Reason: fmt.Sprintf("temporary ban: %v", v)})
	}
}

// markAuthenticated reports whether this call flipped the flag.
func (h *clientHandle) markAuthenticated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.authenticated {
		return false
	}
	h.authenticated = true
	return true
}

func (h *clientHandle) identity() (*models.ClientInfo, string) {
	dev := h.client.Store
	info := &models.ClientInfo{DisplayName: dev.PushName, Platform: dev.Platform}
	var deviceJID string
	if dev.ID != nil {
		info.Address = dev.ID.ToNonAD().String()
		deviceJID = dev.ID.String()
	}
	return info, deviceJID
}

func (h *clientHandle) Send(ctx context.Context, to, body string) (SendReceipt, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("invalid destination %q: %w", to, err)
	}
	if !h.client.IsConnected() {
		return SendReceipt{}, ErrNotConnected
	}

	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return SendReceipt{}, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return SendReceipt{}, fmt.Errorf("failed to send whatsapp message: %w", err)
	}
	return SendReceipt{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *clientHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancelQR
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.client.Disconnect()

	if h.ownsContainer {
		if err := h.container.Close(); err != nil {
			return fmt.Errorf("failed to close device store: %w", err)
		}
	}
	h.log.Info().Msg("session handle closed")
	return nil
}
