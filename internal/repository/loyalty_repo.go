package repository

import (
	"context"
	"errors"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	mqcontracts "barberloyalty/contracts/mq"
	"barberloyalty/internal/domain"
	"barberloyalty/pkg/outbox"
	"barberloyalty/pkg/trace"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// LoyaltyRepository 独占 bookings.credited 与账户计数器的变更
type LoyaltyRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

func NewLoyaltyRepository(db *pgxpool.Pool, timeout time.Duration, logger *zap.Logger) *LoyaltyRepository {
	return &LoyaltyRepository{db: db, timeout: timeout, logger: logger}
}

// CreditBooking 在一个事务中完成：条件翻转 credited、盖章、必要时发放免费理发、记账本、写 outbox。
// 条件更新没有命中（已入账/已取消/金额不足/客户不符）时返回 Applied=false，不写任何数据。
func (r *LoyaltyRepository) CreditBooking(ctx context.Context, bookingID, customerID uuid.UUID, source domain.CreditSource, minTotal float64) (domain.CreditOutcome, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	out := domain.CreditOutcome{CustomerID: customerID, BookingID: &bookingID, Source: source}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE bookings
			SET credited = TRUE, credited_by = $3, credited_at = NOW()
			WHERE id = $1
			  AND customer_id = $2
			  AND credited = FALSE
			  AND cancelled = FALSE
			  AND total_price >= $4
			RETURNING credited_at
		`, bookingID, customerID, string(source), minTotal).Scan(&out.CreditedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		return r.stamp(ctx, tx, &out)
	})
	if err != nil {
		return domain.CreditOutcome{}, storeErr("credit booking", err)
	}
	return out, nil
}

// CreditWithoutBooking 扫码时没有可入账预约：仍然盖章，但不关联预约
func (r *LoyaltyRepository) CreditWithoutBooking(ctx context.Context, customerID uuid.UUID, source domain.CreditSource) (domain.CreditOutcome, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	out := domain.CreditOutcome{CustomerID: customerID, Source: source}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&out.CreditedAt); err != nil {
			return err
		}
		return r.stamp(ctx, tx, &out)
	})
	if err != nil {
		return domain.CreditOutcome{}, storeErr("credit without booking", err)
	}
	return out, nil
}

func (r *LoyaltyRepository) stamp(ctx context.Context, tx pgx.Tx, out *domain.CreditOutcome) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO loyalty_accounts (customer_id, stamp_count, free_cuts_available, last_credited_at, updated_at)
		VALUES ($1, 1, 0, $2, NOW())
		ON CONFLICT (customer_id) DO UPDATE SET
			stamp_count = loyalty_accounts.stamp_count + 1,
			free_cuts_available = loyalty_accounts.free_cuts_available
				+ CASE WHEN (loyalty_accounts.stamp_count + 1) % $3 = 0 THEN 1 ELSE 0 END,
			last_credited_at = EXCLUDED.last_credited_at,
			updated_at = NOW()
		RETURNING stamp_count, free_cuts_available
	`, out.CustomerID, out.CreditedAt, domain.StampsPerFreeCut).Scan(&out.StampCount, &out.FreeCutsAvailable)
	if err != nil {
		return err
	}
	out.Applied = true
	out.FreeCutGranted = domain.FreeCutEarned(out.StampCount)

	if _, err := tx.Exec(ctx, `
		INSERT INTO loyalty_stamps (customer_id, booking_id, source, stamp_number, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, out.CustomerID, out.BookingID, string(out.Source), out.StampCount, out.CreditedAt); err != nil {
		return err
	}

	aggregateID := out.CustomerID.String()
	_, err = outbox.InsertEventInTx(ctx, tx, "loyalty_account", &aggregateID, mqcontracts.RoutingKeyLoyaltyCredited,
		mqcontracts.LoyaltyCreditedPayload{
			CustomerID:        out.CustomerID,
			BookingID:         out.BookingID,
			Source:            string(out.Source),
			StampCount:        out.StampCount,
			FreeCutsAvailable: out.FreeCutsAvailable,
			FreeCutGranted:    out.FreeCutGranted,
			CreditedAt:        out.CreditedAt,
			TraceID:           trace.FromContext(ctx),
		})
	return err
}

// RedeemFreeCut 条件扣减一次免费理发；余额为 0 时返回 ErrNoFreeCuts
func (r *LoyaltyRepository) RedeemFreeCut(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	acc, err := scanAccount(r.db.QueryRow(ctx, `
		UPDATE loyalty_accounts
		SET free_cuts_available = free_cuts_available - 1,
		    free_cuts_redeemed = free_cuts_redeemed + 1,
		    updated_at = NOW()
		WHERE customer_id = $1 AND free_cuts_available > 0
		RETURNING `+accountColumns,
		customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoFreeCuts
	}
	if err != nil {
		return nil, storeErr("redeem free cut", err)
	}
	return acc, nil
}

const accountColumns = `customer_id, stamp_count, free_cuts_available, free_cuts_redeemed, last_credited_at, updated_at`

func scanAccount(row pgx.Row) (*dbcontracts.LoyaltyAccount, error) {
	var a dbcontracts.LoyaltyAccount
	if err := row.Scan(&a.CustomerID, &a.StampCount, &a.FreeCutsAvailable, &a.FreeCutsRedeemed, &a.LastCreditedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount 没有账户时返回全零账户（还没盖过章）
func (r *LoyaltyRepository) GetAccount(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	acc, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &dbcontracts.LoyaltyAccount{CustomerID: customerID}, nil
	}
	if err != nil {
		return nil, storeErr("get loyalty account", err)
	}
	return acc, nil
}

// ListStamps 返回客户的盖章记录，最新的在前
func (r *LoyaltyRepository) ListStamps(ctx context.Context, customerID uuid.UUID, limit int) ([]dbcontracts.LoyaltyStamp, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, booking_id, source, stamp_number, created_at
		FROM loyalty_stamps
		WHERE customer_id = $1
		ORDER BY stamp_number DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, storeErr("list stamps", err)
	}
	stamps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dbcontracts.LoyaltyStamp, error) {
		var s dbcontracts.LoyaltyStamp
		err := row.Scan(&s.ID, &s.CustomerID, &s.BookingID, &s.Source, &s.StampNumber, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, storeErr("scan stamps", err)
	}
	return stamps, nil
}
