package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/models"

	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("whatsapp message not found")

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// MessageFilter narrows ListMessages. Zero fields match everything.
type MessageFilter struct {
	OrganizationID uint
	InstanceID     uint
	Status         string
	Limit          int
	Offset         int
}

// MessageLogService keeps the whatsapp_messages delivery log.
type MessageLogService struct {
	db *gorm.DB
}

func NewMessageLogService(db *gorm.DB) *MessageLogService {
	return &MessageLogService{db: db}
}

// RecordQueued inserts msg with status queued.
func (s *MessageLogService) RecordQueued(ctx context.Context, msg *models.WhatsAppMessage) error {
	if msg.MessageID == "" {
		return errors.New("message id is required")
	}
	msg.Status = models.MessageQueued
	if msg.Direction == "" {
		msg.Direction = models.DirectionOutbound
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to record queued message: %w", err)
	}
	return nil
}

// MarkSent flags the message as delivered at sentAt.
func (s *MessageLogService) MarkSent(ctx context.Context, messageID string, sentAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"status":        models.MessageSent,
			"sent_at":       sentAt,
			"error_message": "",
		})
	return messageAffected(res, messageID)
}

// MarkFailed flags the message as failed with reason.
func (s *MessageLogService) MarkFailed(ctx context.Context, messageID, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.WhatsAppMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"status":        models.MessageFailed,
			"error_message": reason,
		})
	return messageAffected(res, messageID)
}

// GetMessage loads one log row by its message id.
func (s *MessageLogService) GetMessage(ctx context.Context, messageID string) (*models.WhatsAppMessage, error) {
	var msg models.WhatsAppMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListMessages returns log rows newest first.
func (s *MessageLogService) ListMessages(ctx context.Context, f MessageFilter) ([]models.WhatsAppMessage, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := s.db.WithContext(ctx).Model(&models.WhatsAppMessage{})
	if f.OrganizationID != 0 {
		q = q.Where("organization_id = ?", f.OrganizationID)
	}
	if f.InstanceID != 0 {
		q = q.Where("whatsapp_instance_id = ?", f.InstanceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var msgs []models.WhatsAppMessage
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func messageAffected(res *gorm.DB, messageID string) error {
	if res.Error != nil {
		return fmt.Errorf("failed to update message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
