package mq

import (
	"time"

	"github.com/google/uuid"
)

const RoutingKeyLoyaltyCredited = "loyalty.credited"

// LoyaltyCreditedPayload is written to the outbox inside the credit transaction.
type LoyaltyCreditedPayload struct {
	CustomerID        uuid.UUID  `json:"customer_id"`
	BookingID         *uuid.UUID `json:"booking_id,omitempty"`
	Source            string     `json:"source"` // auto / qr
	StampCount        int        `json:"stamp_count"`
	FreeCutsAvailable int        `json:"free_cuts_available"`
	FreeCutGranted    bool       `json:"free_cut_granted"`
	CreditedAt        time.Time  `json:"credited_at"`
	TraceID           string     `json:"trace_id,omitempty"`
}
