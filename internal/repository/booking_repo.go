package repository

import (
	"context"
	"errors"
	"time"

	dbcontracts "barberloyalty/contracts/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BookingRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewBookingRepository(db *pgxpool.Pool, timeout time.Duration) *BookingRepository {
	return &BookingRepository{db: db, timeout: timeout}
}

const bookingColumns = `id, customer_id, scheduled_at, total_price, cancelled, credited,
	credited_by, credited_at, reminder_sent, created_at`

func scanBooking(row pgx.Row) (*dbcontracts.Booking, error) {
	var b dbcontracts.Booking
	if err := row.Scan(
		&b.ID, &b.CustomerID, &b.ScheduledAt, &b.TotalPrice, &b.Cancelled, &b.Credited,
		&b.CreditedBy, &b.CreditedAt, &b.ReminderSent, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]dbcontracts.Booking, error) {
	defer rows.Close()
	var out []dbcontracts.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListCreditable 返回可自动入账的预约：未入账、未取消、有客户、金额达标、且已过 scheduledBefore
func (r *BookingRepository) ListCreditable(ctx context.Context, minTotal float64, scheduledBefore time.Time, limit int) ([]dbcontracts.Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE credited = FALSE
		  AND cancelled = FALSE
		  AND customer_id IS NOT NULL
		  AND total_price >= $1
		  AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, minTotal, scheduledBefore, limit)
	if err != nil {
		return nil, storeErr("list creditable bookings", err)
	}
	bookings, err := collectBookings(rows)
	if err != nil {
		return nil, storeErr("scan creditable bookings", err)
	}
	return bookings, nil
}

// LatestEligible 返回客户在 at 之前已开始的最近一条可入账预约；没有时退而取
// (at, at+lookahead] 内最早的一条。都没有时返回 nil, nil。
// 读取不加锁，并发安全由 CreditBooking 的条件更新保证。
func (r *BookingRepository) LatestEligible(ctx context.Context, customerID uuid.UUID, minTotal float64, at time.Time, lookahead time.Duration) (*dbcontracts.Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	b, err := scanBooking(r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE customer_id = $1
		  AND credited = FALSE
		  AND cancelled = FALSE
		  AND total_price >= $2
		  AND scheduled_at <= $4
		ORDER BY (scheduled_at <= $3) DESC,
		         abs(extract(epoch FROM scheduled_at - $3::timestamptz)) ASC
		LIMIT 1
	`, customerID, minTotal, at, at.Add(lookahead)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest eligible booking", err)
	}
	return b, nil
}

// ListDueReminders 返回 [from, to) 内尚未提醒的有效预约
func (r *BookingRepository) ListDueReminders(ctx context.Context, from, to time.Time, limit int) ([]dbcontracts.Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE reminder_sent = FALSE
		  AND cancelled = FALSE
		  AND customer_id IS NOT NULL
		  AND scheduled_at >= $1
		  AND scheduled_at < $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, storeErr("list due reminders", err)
	}
	bookings, err := collectBookings(rows)
	if err != nil {
		return nil, storeErr("scan due reminders", err)
	}
	return bookings, nil
}

// ClaimReminder 条件翻转 reminder_sent；返回 false 表示已被其他实例领取
func (r *BookingRepository) ClaimReminder(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `
		UPDATE bookings SET reminder_sent = TRUE
		WHERE id = $1 AND reminder_sent = FALSE AND cancelled = FALSE
	`, bookingID)
	if err != nil {
		return false, storeErr("claim reminder", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *BookingRepository) Get(ctx context.Context, id uuid.UUID) (*dbcontracts.Booking, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	b, err := scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("booking", id)
	}
	if err != nil {
		return nil, storeErr("get booking", err)
	}
	return b, nil
}
