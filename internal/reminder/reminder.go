// Package reminder sends booking reminders and inactivity nudges.
package reminder

import (
	"context"
	"fmt"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"
	"barberloyalty/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Bookings interface {
	ListDueReminders(ctx context.Context, from, to time.Time, limit int) ([]dbcontracts.Booking, error)
	ClaimReminder(ctx context.Context, bookingID uuid.UUID) (bool, error)
}

type Customers interface {
	ListInactive(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error)
}

type Notifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error)
	SendToUsers(ctx context.Context, userIDs []uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error)
}

type Config struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	Lead               time.Duration `yaml:"lead"`
	InactivityDays     int           `yaml:"inactivity_days"`
	InactivityInterval time.Duration `yaml:"inactivity_interval"`
	BatchSize          int           `yaml:"batch_size"`
	// 提醒里显示的时区，例如 Europe/Lisbon
	TimeZone string `yaml:"time_zone"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Lead <= 0 {
		c.Lead = 2 * time.Hour
	}
	if c.InactivityDays <= 0 {
		c.InactivityDays = 45
	}
	if c.InactivityInterval <= 0 {
		c.InactivityInterval = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

type Service struct {
	bookings  Bookings
	customers Customers
	notifier  Notifier
	cfg       Config
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(bookings Bookings, customers Customers, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	loc := time.Local
	if cfg.TimeZone != "" {
		if l, err := time.LoadLocation(cfg.TimeZone); err == nil {
			loc = l
		} else {
			logger.Warn("Unknown reminder time zone, using local", zap.String("time_zone", cfg.TimeZone), zap.Error(err))
		}
	}
	return &Service{
		bookings:  bookings,
		customers: customers,
		notifier:  notifier,
		cfg:       cfg,
		loc:       loc,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *Service) Config() Config { return s.cfg }

// SendBookingReminders notifies owners of bookings starting within the lead
// window. Each booking is claimed first so no instance reminds twice.
func (s *Service) SendBookingReminders(ctx context.Context) (int, error) {
	log := logger.WithTrace(ctx, s.logger)
	now := s.now()

	due, err := s.bookings.ListDueReminders(ctx, now, now.Add(s.cfg.Lead), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, b := range due {
		if b.CustomerID == nil {
			continue
		}
		claimed, err := s.bookings.ClaimReminder(ctx, b.ID)
		if err != nil {
			log.Warn("Failed to claim reminder", zap.String("booking_id", b.ID.String()), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		n := domain.Notification{
			Title: "Appointment reminder",
			Body:  fmt.Sprintf("See you at %s", b.ScheduledAt.In(s.loc).Format("Mon 2 Jan, 15:04")),
			Tag:   "booking-" + b.ID.String(),
			Data:  map[string]any{"url": "/bookings", "bookingId": b.ID.String()},
		}
		if _, err := s.notifier.SendToUser(ctx, *b.CustomerID, n, domain.CategoryBookingReminder,
			map[string]any{"booking_id": b.ID.String()}); err != nil {
			log.Warn("Failed to send booking reminder", zap.String("booking_id", b.ID.String()), zap.Error(err))
			continue
		}
		sent++
	}

	if len(due) > 0 {
		log.Info("Booking reminders processed", zap.Int("due", len(due)), zap.Int("sent", sent))
	}
	return sent, nil
}

// SendInactivityReminders nudges customers without a visit for
// InactivityDays. Opted-out customers are filtered by the dispatcher.
func (s *Service) SendInactivityReminders(ctx context.Context) (*domain.DispatchResult, error) {
	since := s.now().AddDate(0, 0, -s.cfg.InactivityDays)
	ids, err := s.customers.ListInactive(ctx, since, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &domain.DispatchResult{Status: domain.HistoryStatusNoSubscribers}, nil
	}

	n := domain.Notification{
		Title: "We miss you",
		Body:  "It's been a while. Book your next cut and keep collecting stamps.",
		Tag:   "inactivity",
		Data:  map[string]any{"url": "/book"},
	}
	return s.notifier.SendToUsers(ctx, ids, n, domain.CategoryInactivityReminder,
		map[string]any{"inactive_days": s.cfg.InactivityDays, "candidates": len(ids)})
}
