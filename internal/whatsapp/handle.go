package whatsapp

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when the provider connection is down.
var ErrNotConnected = errors.New("whatsapp client not connected")

// Handle is one live provider connection backing a session.
type Handle interface {
	// Start begins connecting; lifecycle progress is reported through the emit func given to the factory.
	Start(ctx context.Context) error
	// Send delivers a text body to a normalized address ("<digits>@s.whatsapp.net").
	// It returns an error wrapping ErrNotConnected when the connection dropped.
	Send(ctx context.Context, to, body string) (SendReceipt, error)
	// Close disconnects and releases the handle. It is safe to call more than once.
	Close(ctx context.Context) error
}

// SendReceipt is the provider's acknowledgement of an outbound message.
type SendReceipt struct {
	MessageID string
	Timestamp time.Time
}

// Desired describes a session discovery wants running.
type Desired struct {
	SessionID string
	Meta      Metadata
}

// HandleFactory creates handles for desired sessions.
type HandleFactory interface {
	NewHandle(ctx context.Context, d Desired, emit func(ProviderEvent)) (Handle, error)
}
