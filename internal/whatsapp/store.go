package whatsapp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/services"
)

// InstanceStore maps session ids onto whatsapp_instances rows. In multi-session mode a
// session id is the decimal instance id.
type InstanceStore struct {
	instances *services.InstanceService
}

func NewInstanceStore(instances *services.InstanceService) *InstanceStore {
	return &InstanceStore{instances: instances}
}

// SessionID is the session id used for an instance.
func SessionID(instanceID uint) string {
	return strconv.FormatUint(uint64(instanceID), 10)
}

// InstanceID parses a session id back into an instance id.
func InstanceID(sessionID string) (uint, error) {
	id, err := strconv.ParseUint(sessionID, 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q is not an instance id", ErrSessionNotFound, sessionID)
	}
	return uint(id), nil
}

// Desired lists active instances, oldest first.
func (s *InstanceStore) Desired(ctx context.Context) ([]Desired, error) {
	instances, err := s.instances.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Desired, 0, len(instances))
	for _, inst := range instances {
		out = append(out, Desired{
			SessionID: SessionID(inst.ID),
			Meta: Metadata{
				OrganizationID: inst.OrganizationID,
				Name:           inst.Name,
				PhoneNumber:    inst.PhoneNumber,
				DeviceJID:      inst.DeviceJID,
			},
		})
	}
	return out, nil
}

func (s *InstanceStore) PersistQR(ctx context.Context, sessionID, qr string, expiresAt time.Time) error {
	id, err := InstanceID(sessionID)
	if err != nil {
		return err
	}
	return s.instances.MarkQR(ctx, id, qr, expiresAt)
}

func (s *InstanceStore) PersistReady(ctx context.Context, sessionID string, info models.ClientInfo, deviceJID string, at time.Time) error {
	id, err := InstanceID(sessionID)
	if err != nil {
		return err
	}
	return s.instances.MarkReady(ctx, id, info, deviceJID, at)
}

func (s *InstanceStore) PersistDisconnected(ctx context.Context, sessionID string, loggedOut bool, at time.Time) error {
	id, err := InstanceID(sessionID)
	if err != nil {
		return err
	}
	if err := s.instances.MarkDisconnected(ctx, id, at); err != nil {
		return err
	}
	if loggedOut {
		return s.instances.ClearDevice(ctx, id)
	}
	return nil
}

func (s *InstanceStore) PersistAuthFailure(ctx context.Context, sessionID string) error {
	id, err := InstanceID(sessionID)
	if err != nil {
		return err
	}
	return s.instances.ClearQR(ctx, id)
}

// IncrementSent persists one more message sent today.
func (s *InstanceStore) IncrementSent(ctx context.Context, sessionID string, at time.Time) error {
	id, err := InstanceID(sessionID)
	if err != nil {
		return err
	}
	return s.instances.IncrementMessageCount(ctx, id, at)
}

// WithinQuota reports whether the instance is under its daily message limit.
func (s *InstanceStore) WithinQuota(ctx context.Context, sessionID string) (bool, error) {
	id, err := InstanceID(sessionID)
	if err != nil {
		return false, err
	}
	return s.instances.CheckMessageLimit(ctx, id)
}
