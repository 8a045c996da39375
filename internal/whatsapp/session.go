package whatsapp

import (
	"fmt"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"
)

// DefaultSessionID names the only session in single-session mode.
const DefaultSessionID = "default"

// ProviderEvent is one lifecycle callback from a session handle.
type ProviderEvent struct {
	SessionID string
	Kind      EventKind
	QRCode    string
	Identity  *models.ClientInfo
	DeviceJID string
	Reason    string
	// LoggedOut marks a disconnect caused by the account unlinking the device.
	LoggedOut bool
	At        time.Time

	generation uint64
}

// Metadata is the store-side description of a session.
type Metadata struct {
	OrganizationID uint   `json:"organization_id,omitempty"`
	Name           string `json:"name,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	DeviceJID      string `json:"-"`
}

// Counters tracks sends made through a session since it was registered.
type Counters struct {
	Sent       int64     `json:"sent"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}

// Session is the in-memory record of one supervised messaging session.
type Session struct {
	ID         string
	Meta       Metadata
	State      State
	PendingQR  string
	QRIssuedAt time.Time
	Identity   *models.ClientInfo
	Counters   Counters
	CreatedAt  time.Time

	handle     Handle
	generation uint64
}

// NewSession returns an unauthenticated session bound to handle.
func NewSession(id string, meta Metadata, handle Handle, now time.Time) *Session {
	return &Session{
		ID:        id,
		Meta:      meta,
		State:     StateUnauthenticated,
		CreatedAt: now,
		handle:    handle,
	}
}

// Apply moves the session through the state machine and keeps the QR and identity fields consistent with State.
func (s *Session) Apply(ev ProviderEvent) error {
	next, err := Transition(s.State, ev.Kind)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case EventQR:
		if ev.QRCode == "" {
			return fmt.Errorf("%w: empty qr code", ErrInvalidTransition)
		}
		s.PendingQR = ev.QRCode
		s.QRIssuedAt = ev.At
	case EventAuthenticated:
		s.PendingQR = ""
		s.QRIssuedAt = time.Time{}
	case EventReady:
		s.PendingQR = ""
		s.QRIssuedAt = time.Time{}
		if ev.Identity != nil {
			id := *ev.Identity
			s.Identity = &id
		}
		if ev.DeviceJID != "" {
			s.Meta.DeviceJID = ev.DeviceJID
		}
	case EventDisconnected, EventAuthFailure:
		s.PendingQR = ""
		s.QRIssuedAt = time.Time{}
		s.Identity = nil
	}

	s.State = next
	return nil
}

// Ready reports whether sends may be attempted.
func (s *Session) Ready() bool {
	return s.State == StateReady
}

// Handle returns the provider handle owned by the session.
func (s *Session) Handle() Handle {
	return s.handle
}

// QRExpired reports whether there is no pending QR or it is older than ttl.
func (s *Session) QRExpired(now time.Time, ttl time.Duration) bool {
	if s.PendingQR == "" {
		return true
	}
	return !now.Before(s.QRIssuedAt.Add(ttl))
}

func (s *Session) clone() Session {
	c := *s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	return c
}

// Summary is the operator-facing view of a session.
type Summary struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	Ready      bool               `json:"ready"`
	HasQR      bool               `json:"has_qr"`
	Identity   *models.ClientInfo `json:"client_info,omitempty"`
	Counters   Counters           `json:"counters"`
	Metadata   Metadata           `json:"metadata"`
	CreatedAt  time.Time          `json:"created_at"`
	QRIssuedAt *time.Time         `json:"qr_issued_at,omitempty"`
}

// Summary returns the operator view of s.
func (s *Session) Summary() Summary {
	sum := Summary{
		ID:        s.ID,
		State:     s.State,
		Ready:     s.Ready(),
		HasQR:     s.PendingQR != "",
		Counters:  s.Counters,
		Metadata:  s.Meta,
		CreatedAt: s.CreatedAt,
	}
	if s.Identity != nil {
		id := *s.Identity
		sum.Identity = &id
	}
	if sum.HasQR {
		at := s.QRIssuedAt
		sum.QRIssuedAt = &at
	}
	return sum
}
