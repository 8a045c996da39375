// Package status publishes session lifecycle and delivery outcomes to the status queue and other sinks.
package status

import (
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"
)

// Kind is the status field of an Event.
type Kind string

const (
	KindQRCode        Kind = "qr_code"
	KindAuthenticated Kind = "authenticated"
	KindReady         Kind = "ready"
	KindDisconnected  Kind = "disconnected"
	KindAuthFailure   Kind = "auth_failure"
	KindMessageSent   Kind = "message_sent"
	KindMessageFailed Kind = "message_failed"
)

// Event is one status record as written to the status queue.
type Event struct {
	Timestamp      time.Time          `json:"timestamp"`
	Status         Kind               `json:"status"`
	MessageID      string             `json:"message_id,omitempty"`
	InstanceID     string             `json:"instance_id,omitempty"`
	OrganizationID uint               `json:"organization_id,omitempty"`
	PhoneNumber    string             `json:"phone_number,omitempty"`
	ContactName    string             `json:"contact_name,omitempty"`
	Error          string             `json:"error,omitempty"`
	LoggedOut      bool               `json:"logged_out,omitempty"`
	ClientInfo     *models.ClientInfo `json:"client_info,omitempty"`
	QRCode         string             `json:"qr_code,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
}

// IsDelivery reports whether the event is about a message rather than a session.
func (e Event) IsDelivery() bool {
	return e.Status == KindMessageSent || e.Status == KindMessageFailed
}
