// Package loyalty awards one stamp per eligible visit. The sweep and the QR
// scan both converge on CreditOnce; the store's conditional update decides
// which trigger wins.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"
	"barberloyalty/pkg/logger"
	"barberloyalty/pkg/metrics"
	"barberloyalty/pkg/otel"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Bookings interface {
	ListCreditable(ctx context.Context, minTotal float64, scheduledBefore time.Time, limit int) ([]dbcontracts.Booking, error)
	LatestEligible(ctx context.Context, customerID uuid.UUID, minTotal float64, at time.Time, lookahead time.Duration) (*dbcontracts.Booking, error)
}

type Ledger interface {
	CreditBooking(ctx context.Context, bookingID, customerID uuid.UUID, source domain.CreditSource, minTotal float64) (domain.CreditOutcome, error)
	CreditWithoutBooking(ctx context.Context, customerID uuid.UUID, source domain.CreditSource) (domain.CreditOutcome, error)
	RedeemFreeCut(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error)
	GetAccount(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error)
}

type Customers interface {
	FindByLoyaltyToken(ctx context.Context, token string) (*dbcontracts.Customer, error)
}

// Deduper 可选；为 nil 时不做扫码防抖
type Deduper interface {
	AcquireFor(ctx context.Context, scope, key string, ttl time.Duration) bool
}

type Config struct {
	MinimumTotal   float64       `yaml:"minimum_total"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
	// 扫码时最多匹配多久之后才开始的预约（提前到店）；0 表示只匹配已开始的
	ScanLookahead time.Duration `yaml:"scan_lookahead"`
	// 无预约盖章时同一客户两次扫码的最短间隔，防止扫码枪重复读；0 关闭
	ScanDebounce time.Duration `yaml:"scan_debounce"`
}

func DefaultConfig() Config {
	return Config{
		MinimumTotal:   10,
		GracePeriod:    time.Hour,
		SweepInterval:  5 * time.Minute,
		SweepBatchSize: 500,
		ScanLookahead:  2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	// 0 是合法的最低消费（所有预约都可入账）
	if c.MinimumTotal < 0 {
		c.MinimumTotal = d.MinimumTotal
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.ScanLookahead < 0 {
		c.ScanLookahead = 0
	}
	return c
}

// SweepResult summarises one sweep. AlreadyCredited counts race losers.
type SweepResult struct {
	Examined        int `json:"examined"`
	Credited        int `json:"credited"`
	AlreadyCredited int `json:"alreadyCredited"`
	Failed          int `json:"failed"`
}

// ScanResult is returned for every scan that reached the store. Business
// rejections have Success=false and a Message.
type ScanResult struct {
	Success           bool       `json:"success"`
	Message           string     `json:"message"`
	UserName          string     `json:"userName,omitempty"`
	NewCount          *int       `json:"newCount,omitempty"`
	FreeCutGranted    bool       `json:"freeCutGranted,omitempty"`
	FreeCutsAvailable *int       `json:"freeCutsAvailable,omitempty"`
	BookingID         *uuid.UUID `json:"bookingId,omitempty"`
}

type Engine struct {
	bookings  Bookings
	ledger    Ledger
	customers Customers
	deduper   Deduper
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewEngine(bookings Bookings, ledger Ledger, customers Customers, deduper Deduper, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		bookings:  bookings,
		ledger:    ledger,
		customers: customers,
		deduper:   deduper,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the wall clock (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// CreditOnce credits b for its owner. A lost compare-and-set is reported as
// Applied=false with a nil error.
func (e *Engine) CreditOnce(ctx context.Context, b dbcontracts.Booking, source domain.CreditSource) (domain.CreditOutcome, error) {
	ctx, span := otel.StartSpan(ctx, "loyalty.credit_once")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", b.ID.String()), attribute.String("source", string(source)))

	if b.CustomerID == nil {
		metrics.IncrementLoyaltyCredit(string(source), "ineligible")
		return domain.CreditOutcome{BookingID: &b.ID, Source: source}, nil
	}

	out, err := e.ledger.CreditBooking(ctx, b.ID, *b.CustomerID, source, e.cfg.MinimumTotal)
	if err != nil {
		metrics.IncrementLoyaltyCredit(string(source), "error")
		return domain.CreditOutcome{}, err
	}
	e.record(ctx, out)
	return out, nil
}

func (e *Engine) record(ctx context.Context, out domain.CreditOutcome) {
	log := logger.WithTrace(ctx, e.logger)
	if !out.Applied {
		metrics.IncrementLoyaltyCredit(string(out.Source), "already_credited")
		if out.BookingID != nil {
			log.Debug("Booking already credited", zap.String("booking_id", out.BookingID.String()))
		}
		return
	}

	metrics.IncrementLoyaltyCredit(string(out.Source), "applied")
	if out.FreeCutGranted {
		metrics.IncrementFreeCutsGranted()
	}
	fields := []zap.Field{
		zap.String("customer_id", out.CustomerID.String()),
		zap.String("source", string(out.Source)),
		zap.Int("stamp_count", out.StampCount),
		zap.Bool("free_cut_granted", out.FreeCutGranted),
	}
	if out.BookingID != nil {
		fields = append(fields, zap.String("booking_id", out.BookingID.String()))
	}
	log.Info("Loyalty stamp credited", fields...)
}

// Sweep credits every booking whose scheduled time plus the grace period has
// passed. Per-booking failures are counted and the sweep goes on; only a
// failed listing aborts it.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.StartSpan(ctx, "loyalty.sweep")
	defer span.End()

	start := e.now()
	defer func() { metrics.RecordSweepDuration(e.now().Sub(start)) }()

	log := logger.WithTrace(ctx, e.logger)
	cutoff := start.Add(-e.cfg.GracePeriod)

	var res SweepResult
	for {
		batch, err := e.bookings.ListCreditable(ctx, e.cfg.MinimumTotal, cutoff, e.cfg.SweepBatchSize)
		if err != nil {
			if res.Examined > 0 {
				log.Error("Sweep stopped early", zap.Error(err), zap.Int("examined", res.Examined))
				return res, nil
			}
			return res, err
		}

		failed := 0
		for _, b := range batch {
			res.Examined++
			out, err := e.CreditOnce(ctx, b, domain.CreditedByAuto)
			switch {
			case err != nil:
				failed++
				log.Warn("Failed to credit booking",
					zap.String("booking_id", b.ID.String()),
					zap.Error(err),
				)
			case out.Applied:
				res.Credited++
			default:
				res.AlreadyCredited++
			}
		}
		res.Failed += failed

		// 失败的预约下一批还会出现，没有进展就停止
		if len(batch) < e.cfg.SweepBatchSize || failed == len(batch) {
			break
		}
	}

	span.SetAttributes(attribute.Int("credited", res.Credited), attribute.Int("examined", res.Examined))
	log.Info("Loyalty sweep completed",
		zap.Int("examined", res.Examined),
		zap.Int("credited", res.Credited),
		zap.Int("already_credited", res.AlreadyCredited),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Scan handles an in-person QR scan. It credits the customer's most recent
// eligible booking that has started, else the nearest one starting within
// ScanLookahead, else a stamp without booking.
// The error is non-nil only when the store failed.
func (e *Engine) Scan(ctx context.Context, token string) (*ScanResult, error) {
	ctx, span := otel.StartSpan(ctx, "loyalty.scan")
	defer span.End()

	log := logger.WithTrace(ctx, e.logger)
	if token == "" {
		return &ScanResult{Message: "Missing loyalty token"}, nil
	}

	customer, err := e.customers.FindByLoyaltyToken(ctx, token)
	if errors.Is(err, domain.ErrUnknownToken) {
		log.Info("Scan with unknown loyalty token")
		return &ScanResult{Message: "Unknown loyalty code"}, nil
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("customer_id", customer.ID.String()))

	booking, err := e.bookings.LatestEligible(ctx, customer.ID, e.cfg.MinimumTotal, e.now(), e.cfg.ScanLookahead)
	if err != nil {
		return nil, err
	}
	// 有预约时由条件更新保证只盖一次，防抖只针对无预约盖章
	if booking == nil && e.deduper != nil && e.cfg.ScanDebounce > 0 &&
		!e.deduper.AcquireFor(ctx, "loyalty_scan", customer.ID.String(), e.cfg.ScanDebounce) {
		return &ScanResult{Message: "This code was just scanned, please wait a moment", UserName: customer.FullName}, nil
	}

	var out domain.CreditOutcome
	if booking != nil {
		out, err = e.CreditOnce(ctx, *booking, domain.CreditedByQR)
		if err != nil {
			return nil, err
		}
		if !out.Applied {
			// 与自动入账竞争失败：这次到店已经盖过章
			acc, err := e.ledger.GetAccount(ctx, customer.ID)
			if err != nil {
				return nil, err
			}
			return &ScanResult{
				Success:           true,
				Message:           "This visit was already stamped",
				UserName:          customer.FullName,
				NewCount:          &acc.StampCount,
				FreeCutsAvailable: &acc.FreeCutsAvailable,
				BookingID:         &booking.ID,
			}, nil
		}
	} else {
		out, err = e.ledger.CreditWithoutBooking(ctx, customer.ID, domain.CreditedByQR)
		if err != nil {
			metrics.IncrementLoyaltyCredit(string(domain.CreditedByQR), "error")
			return nil, err
		}
		e.record(ctx, out)
	}

	msg := fmt.Sprintf("Stamp added, %s now has %d", customer.FullName, out.StampCount)
	if out.FreeCutGranted {
		msg = fmt.Sprintf("Stamp added, %s earned a free cut", customer.FullName)
	}
	return &ScanResult{
		Success:           true,
		Message:           msg,
		UserName:          customer.FullName,
		NewCount:          &out.StampCount,
		FreeCutGranted:    out.FreeCutGranted,
		FreeCutsAvailable: &out.FreeCutsAvailable,
		BookingID:         out.BookingID,
	}, nil
}

// RedeemFreeCut spends one free cut. Returns domain.ErrNoFreeCuts when the
// balance is zero.
func (e *Engine) RedeemFreeCut(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	acc, err := e.ledger.RedeemFreeCut(ctx, customerID)
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, e.logger).Info("Free cut redeemed",
		zap.String("customer_id", customerID.String()),
		zap.Int("free_cuts_available", acc.FreeCutsAvailable),
	)
	return acc, nil
}

func (e *Engine) Account(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	return e.ledger.GetAccount(ctx, customerID)
}
