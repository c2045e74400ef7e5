package db

import (
	"time"

	"github.com/google/uuid"
)

// LoyaltyAccount 表示 loyalty_accounts 表的完整结构
type LoyaltyAccount struct {
	CustomerID        uuid.UUID  `json:"customer_id"`
	StampCount        int        `json:"stamp_count"`
	FreeCutsAvailable int        `json:"free_cuts_available"`
	FreeCutsRedeemed  int        `json:"free_cuts_redeemed"`
	LastCreditedAt    *time.Time `json:"last_credited_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LoyaltyStamp 表示 loyalty_stamps 账本中的一行
type LoyaltyStamp struct {
	ID          int64      `json:"id"`
	CustomerID  uuid.UUID  `json:"customer_id"`
	BookingID   *uuid.UUID `json:"booking_id,omitempty"`
	Source      string     `json:"source"`
	StampNumber int        `json:"stamp_number"`
	CreatedAt   time.Time  `json:"created_at"`
}
