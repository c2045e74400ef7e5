package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PushSubscription 表示 push_subscriptions 表的完整结构
type PushSubscription struct {
	ID            uuid.UUID  `json:"id"`
	CustomerID    uuid.UUID  `json:"customer_id"`
	Endpoint      string     `json:"endpoint"`
	P256dh        string     `json:"p256dh"`
	Auth          string     `json:"auth"`
	UserAgent     string     `json:"user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// NotificationPreference 表示 notification_preferences 表，每个客户一行
type NotificationPreference struct {
	CustomerID           uuid.UUID `json:"customer_id"`
	BookingConfirmations bool      `json:"booking_confirmations"`
	Reminders            bool      `json:"reminders"`
	ChatMessages         bool      `json:"chat_messages"`
	Giveaways            bool      `json:"giveaways"`
	Promotions           bool      `json:"promotions"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NotificationHistory 表示 notification_history 表（只追加）
type NotificationHistory struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Status       string          `json:"status"` // sent / failed / no_subscribers
	TargetUserID *uuid.UUID      `json:"target_user_id,omitempty"`
	SentCount    int             `json:"sent_count"`
	TotalCount   int             `json:"total_count"`
	SkippedCount int             `json:"skipped_count"`
	ErrorDetail  *string         `json:"error_detail,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
