package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditSource is the value stored in bookings.credited_by.
type CreditSource string

const (
	CreditedByAuto CreditSource = "auto"
	CreditedByQR   CreditSource = "qr"
)

const StampsPerFreeCut = 10

// CreditOutcome is what the store reports for one conditional credit.
// Applied is false when the compare-and-set on credited lost (or the booking
// was not eligible): nothing was written.
type CreditOutcome struct {
	Applied           bool
	CustomerID        uuid.UUID
	BookingID         *uuid.UUID
	Source            CreditSource
	StampCount        int
	FreeCutsAvailable int
	FreeCutGranted    bool
	CreditedAt        time.Time
}

// FreeCutEarned reports whether reaching stampCount grants a free cut.
func FreeCutEarned(stampCount int) bool {
	return stampCount > 0 && stampCount%StampsPerFreeCut == 0
}
