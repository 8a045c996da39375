package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"

	"gorm.io/gorm"
)

var (
	ErrInstanceNotFound = errors.New("whatsapp instance not found")
	ErrInvalidInstance  = errors.New("invalid whatsapp instance")
)

// InstanceService reads and writes whatsapp_instances.
type InstanceService struct {
	db *gorm.DB
}

func NewInstanceService(db *gorm.DB) *InstanceService {
	return &InstanceService{db: db}
}

// ActiveInstances returns every active instance, oldest first.
func (s *InstanceService) ActiveInstances(ctx context.Context) ([]models.WhatsAppInstance, error) {
	var instances []models.WhatsAppInstance
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").Order("id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	return instances, nil
}

// ListInstances returns every instance, active or not, oldest first. A non-zero
// organizationID restricts the list to that organization.
func (s *InstanceService) ListInstances(ctx context.Context, organizationID uint) ([]models.WhatsAppInstance, error) {
	var instances []models.WhatsAppInstance
	q := s.db.WithContext(ctx)
	if organizationID != 0 {
		q = q.Where("organization_id = ?", organizationID)
	}
	if err := q.Order("created_at ASC").Order("id ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// GetInstance loads one instance by id.
func (s *InstanceService) GetInstance(ctx context.Context, id uint) (*models.WhatsAppInstance, error) {
	var inst models.WhatsAppInstance
	err := s.db.WithContext(ctx).First(&inst, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	return &inst, nil
}

// CreateInstance inserts a new instance; a zero DailyMessageLimit becomes the default.
func (s *InstanceService) CreateInstance(ctx context.Context, inst *models.WhatsAppInstance) error {
	inst.Name = strings.TrimSpace(inst.Name)
	if inst.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInstance)
	}
	if inst.OrganizationID == 0 {
		return fmt.Errorf("%w: organization id is required", ErrInvalidInstance)
	}
	if inst.DailyMessageLimit <= 0 {
		inst.DailyMessageLimit = models.DefaultDailyMessageLimit
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// SetActive toggles whether discovery picks the instance up.
func (s *InstanceService) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).Update("is_active", active)
	return affected(res, id)
}

// MarkQR stores a pending QR code and flags the instance as not authenticated.
func (s *InstanceService) MarkQR(ctx context.Context, id uint, qr string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).
		Select("qr_code", "qr_expires_at", "is_authenticated").
		Updates(&models.WhatsAppInstance{
			QRCode:          qr,
			QRExpiresAt:     &expiresAt,
			IsAuthenticated: false,
		})
	return affected(res, id)
}

// MarkReady records a successful login and clears any pending QR.
func (s *InstanceService) MarkReady(ctx context.Context, id uint, info models.ClientInfo, deviceJID string, at time.Time) error {
	cols := []string{"is_authenticated", "qr_code", "qr_expires_at", "client_info", "last_connected_at"}
	if deviceJID != "" {
		cols = append(cols, "device_jid")
	}
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).
		Select(cols).
		Updates(&models.WhatsAppInstance{
			IsAuthenticated: true,
			ClientInfo:      &info,
			DeviceJID:       deviceJID,
			LastConnectedAt: &at,
		})
	return affected(res, id)
}

// MarkDisconnected records a lost session.
func (s *InstanceService) MarkDisconnected(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).
		Select("is_authenticated", "qr_code", "qr_expires_at", "last_disconnected_at").
		Updates(&models.WhatsAppInstance{
			IsAuthenticated:    false,
			LastDisconnectedAt: &at,
		})
	return affected(res, id)
}

// ClearQR drops a pending QR code and leaves is_authenticated alone.
func (s *InstanceService) ClearQR(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).
		Select("qr_code", "qr_expires_at").
		Updates(&models.WhatsAppInstance{})
	return affected(res, id)
}

// ClearDevice forgets the stored device JID after the account logged out.
func (s *InstanceService) ClearDevice(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).Update("device_jid", "")
	return affected(res, id)
}

// IncrementMessageCount bumps today's counter and the last-sent timestamp.
func (s *InstanceService) IncrementMessageCount(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{ID: id}).
		Updates(map[string]interface{}{
			"messages_sent_today":  gorm.Expr("messages_sent_today + ?", 1),
			"last_message_sent_at": at,
		})
	return affected(res, id)
}

// CheckMessageLimit reports whether the instance may still send today.
func (s *InstanceService) CheckMessageLimit(ctx context.Context, id uint) (bool, error) {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	return inst.MessagesSentToday < inst.DailyMessageLimit, nil
}

// ResetDailyCounts zeroes messages_sent_today everywhere and returns how many rows changed.
func (s *InstanceService) ResetDailyCounts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppInstance{}).
		Where("messages_sent_today <> ?", 0).
		Update("messages_sent_today", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset daily message counts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func affected(res *gorm.DB, id uint) error {
	if res.Error != nil {
		return fmt.Errorf("failed to update instance %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}
