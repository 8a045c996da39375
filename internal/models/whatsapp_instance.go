package models

import (
	"time"
)

// DefaultDailyMessageLimit applies to instances created without an explicit limit.
const DefaultDailyMessageLimit = 1000

// ClientInfo identifies the account a session is logged in as.
type ClientInfo struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Platform    string `json:"platform"`
}

// WhatsAppInstance is one configured WhatsApp account belonging to an organization.
type WhatsAppInstance struct {
	ID                 uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	OrganizationID     uint        `json:"organization_id" gorm:"not null;index"`
	Name               string      `json:"name" gorm:"size:255;not null"`
	PhoneNumber        string      `json:"phone_number" gorm:"size:50"`
	IsActive           bool        `json:"is_active" gorm:"not null;default:true;index"`
	IsAuthenticated    bool        `json:"is_authenticated" gorm:"not null;default:false"`
	QRCode             string      `json:"qr_code,omitempty" gorm:"type:text"`
	QRExpiresAt        *time.Time  `json:"qr_expires_at,omitempty"`
	ClientInfo         *ClientInfo `json:"client_info,omitempty" gorm:"serializer:json;type:text"`
	DeviceJID          string      `json:"device_jid,omitempty" gorm:"size:100"` // full device JID for store lookup
	LastConnectedAt    *time.Time  `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time  `json:"last_disconnected_at,omitempty"`
	MessagesSentToday  int         `json:"messages_sent_today" gorm:"not null;default:0"`
	DailyMessageLimit  int         `json:"daily_message_limit" gorm:"not null;default:1000"`
	LastMessageSentAt  *time.Time  `json:"last_message_sent_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt          time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppInstance
func (WhatsAppInstance) TableName() string {
	return "whatsapp_instances"
}

// QRExpired reports whether the stored QR code is missing or past its expiry.
func (i *WhatsAppInstance) QRExpired(now time.Time) bool {
	if i.QRCode == "" || i.QRExpiresAt == nil {
		return true
	}
	return !now.Before(*i.QRExpiresAt)
}

// RemainingToday is how many more messages the instance may send before hitting its daily limit.
func (i *WhatsAppInstance) RemainingToday() int {
	if n := i.DailyMessageLimit - i.MessagesSentToday; n > 0 {
		return n
	}
	return 0
}
