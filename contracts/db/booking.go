package db

import (
	"time"

	"github.com/google/uuid"
)

// Booking 表示 bookings 表中与积分相关的列
type Booking struct {
	ID           uuid.UUID  `json:"id"`
	CustomerID   *uuid.UUID `json:"customer_id,omitempty"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	TotalPrice   float64    `json:"total_price"`
	Cancelled    bool       `json:"cancelled"`
	Credited     bool       `json:"credited"`
	CreditedBy   *string    `json:"credited_by,omitempty"` // auto / qr
	CreditedAt   *time.Time `json:"credited_at,omitempty"`
	ReminderSent bool       `json:"reminder_sent"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Customer 表示 customers 表（只读）
type Customer struct {
	ID           uuid.UUID `json:"id"`
	FullName     string    `json:"full_name"`
	LoyaltyToken string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
