package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CustomerRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewCustomerRepository(db *pgxpool.Pool, timeout time.Duration) *CustomerRepository {
	return &CustomerRepository{db: db, timeout: timeout}
}

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
}

// FindByLoyaltyToken 按二维码令牌查客户；找不到返回 ErrUnknownToken
func (r *CustomerRepository) FindByLoyaltyToken(ctx context.Context, token string) (*dbcontracts.Customer, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var c dbcontracts.Customer
	err := r.db.QueryRow(ctx, `
		SELECT id, full_name, loyalty_token, created_at
		FROM customers
		WHERE loyalty_token = $1
	`, token).Scan(&c.ID, &c.FullName, &c.LoyaltyToken, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUnknownToken
	}
	if err != nil {
		return nil, storeErr("find customer by token", err)
	}
	return &c, nil
}

// ListInactive 返回 since 之后没有任何预约、且至少有一个推送订阅的客户
func (r *CustomerRepository) ListInactive(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT c.id
		FROM customers c
		WHERE EXISTS (SELECT 1 FROM push_subscriptions s WHERE s.customer_id = c.id)
		  AND NOT EXISTS (
		      SELECT 1 FROM bookings b
		      WHERE b.customer_id = c.id AND b.cancelled = FALSE AND b.scheduled_at >= $1
		  )
		ORDER BY c.created_at
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, storeErr("list inactive customers", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, storeErr("scan inactive customers", err)
	}
	return ids, nil
}
