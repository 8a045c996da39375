package status

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"
)

// Mailer sends one HTML email.
type Mailer interface {
	SendEmail(ctx context.Context, to string, subject string, htmlBody string) error
}

// AlertSink emails the operator when a session needs to be paired again:
// on auth_failure and on a disconnect caused by logout.
type AlertSink struct {
	mailer     Mailer
	recipients []string
}

// NewAlertSink returns nil when there are no recipients.
func NewAlertSink(mailer Mailer, recipients []string) *AlertSink {
	if mailer == nil || len(recipients) == 0 {
		return nil
	}
	return &AlertSink{mailer: mailer, recipients: recipients}
}

func (s *AlertSink) Name() string { return "alert:email" }

// NeedsAttention reports whether ev means a session will not recover without an operator.
func NeedsAttention(ev Event) bool {
	return ev.Status == KindAuthFailure || (ev.Status == KindDisconnected && ev.LoggedOut)
}

func (s *AlertSink) Publish(ctx context.Context, ev Event) error {
	if !NeedsAttention(ev) {
		return nil
	}
	subject, body := alertMessage(ev)
	var errs []error
	for _, to := range s.recipients {
		if err := s.mailer.SendEmail(ctx, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("alert to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func alertMessage(ev Event) (string, string) {
	what := "was logged out"
	if ev.Status == KindAuthFailure {
		what = "failed to authenticate"
	}
	subject := fmt.Sprintf("WhatsApp session %s %s", ev.InstanceID, what)

	body := fmt.Sprintf(`<h2>Session %s %s</h2><p>Scan a new QR code to pair it again.</p><ul><li>Instance: %s</li><li>Time: %s</li>`,
		html.EscapeString(ev.InstanceID), what,
		html.EscapeString(ev.InstanceID), ev.Timestamp.UTC().Format(time.RFC1123))
	if ev.PhoneNumber != "" {
		body += fmt.Sprintf(`<li>Phone: %s</li>`, html.EscapeString(ev.PhoneNumber))
	}
	if ev.Error != "" {
		body += fmt.Sprintf(`<li>Reason: %s</li>`, html.EscapeString(ev.Error))
	}
	body += `</ul>`
	return subject, body
}
