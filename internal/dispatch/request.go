// Package dispatch consumes send requests from the work queue and delivers them through ready sessions.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedRequest = errors.New("malformed request")

// SessionRef is the instance_id field. Producers send it as a JSON number or string;
// numeric forms such as "042", 42.0 and 4.2e1 all decode to "42".
type SessionRef string

// ParseSessionRef trims s and canonicalizes it when it names a numeric instance.
func ParseSessionRef(s string) SessionRef {
	s = strings.TrimSpace(s)
	if id, ok := canonicalID(s); ok {
		return SessionRef(id)
	}
	return SessionRef(s)
}

// Numeric reports whether r is a canonical instance id.
func (r SessionRef) Numeric() bool {
	id, ok := canonicalID(string(r))
	return ok && id == string(r)
}

func canonicalID(s string) (string, bool) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.FormatUint(n, 10), n > 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 1 || f > 1<<53 || f != math.Trunc(f) {
		return "", false
	}
	return strconv.FormatUint(uint64(f), 10), true
}

func (r *SessionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ParseSessionRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("instance_id must be a number or string: %w", err)
	}
	*r = ParseSessionRef(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers.
func (r SessionRef) MarshalJSON() ([]byte, error) {
	if r.Numeric() {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

// Request is one send request on the work queue.
type Request struct {
	MessageID   string     `json:"message_id"`
	InstanceID  SessionRef `json:"instance_id,omitempty"`
	PhoneNumber string     `json:"phone_number"`
	Message     string     `json:"message"`
	ContactName string     `json:"contact_name,omitempty"`
	QueuedAt    string     `json:"queued_at,omitempty"`
}

// Validate checks the required fields. instance_id is required only in multi-session mode.
func (r Request) Validate(requireInstance bool) error {
	var missing []string
	if strings.TrimSpace(r.PhoneNumber) == "" {
		missing = append(missing, "phone_number")
	}
	if r.Message == "" {
		missing = append(missing, "message")
	}
	if requireInstance && r.InstanceID == "" {
		missing = append(missing, "instance_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedRequest, strings.Join(missing, ", "))
	}
	if requireInstance && !r.InstanceID.Numeric() {
		return fmt.Errorf("%w: instance_id %q is not an instance id", ErrMalformedRequest, string(r.InstanceID))
	}
	return nil
}

// DecodeRequest parses and validates a queue body. On a validation error the partially
// decoded request is still returned so its message_id can be reported.
func DecodeRequest(body []byte, requireInstance bool) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return req, req.Validate(requireInstance)
}

// Publisher publishes a body to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Enqueuer puts send requests on the work queue.
type Enqueuer struct {
	pub             Publisher
	queue           string
	requireInstance bool
	now             func() time.Time
}

func NewEnqueuer(pub Publisher, queue string, requireInstance bool) *Enqueuer {
	return &Enqueuer{pub: pub, queue: queue, requireInstance: requireInstance, now: time.Now}
}

// Enqueue validates req, fills in message_id and queued_at when empty, and publishes it.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (Request, error) {
	if err := req.Validate(e.requireInstance); err != nil {
		return req, err
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.QueuedAt == "" {
		req.QueuedAt = e.now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := e.pub.Publish(ctx, e.queue, body); err != nil {
		return req, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return req, nil
}
