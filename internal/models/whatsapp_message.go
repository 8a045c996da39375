package models

import (
	"time"
)

// Message directions and delivery states.
const (
	DirectionOutbound = "outbound"

	MessageQueued = "queued"
	MessageSent   = "sent"
	MessageFailed = "failed"
)

// WhatsAppMessage is the delivery log row for one send request.
type WhatsAppMessage struct {
	ID                 uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID          string     `json:"message_id" gorm:"size:64;uniqueIndex;not null"`
	OrganizationID     uint       `json:"organization_id" gorm:"index"`
	WhatsAppInstanceID *uint      `json:"whatsapp_instance_id,omitempty" gorm:"column:whatsapp_instance_id;index"`
	PhoneNumber        string     `json:"phone_number" gorm:"size:50;not null"`
	ContactName        string     `json:"contact_name,omitempty" gorm:"size:255"`
	Message            string     `json:"message" gorm:"type:text;not null"`
	Direction          string     `json:"direction" gorm:"size:20;not null;default:'outbound'"`
	Status             string     `json:"status" gorm:"size:20;not null;default:'queued';index"`
	ErrorMessage       string     `json:"error_message,omitempty" gorm:"type:text"`
	SentBy             string     `json:"sent_by,omitempty" gorm:"size:255"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppMessage
func (WhatsAppMessage) TableName() string {
	return "whatsapp_messages"
}
