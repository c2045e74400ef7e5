package repository

import (
	"context"
	"time"

	dbcontracts "barberloyalty/contracts/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionRepository 管理 push_subscriptions；删除只由分发器（Gone）和用户退订触发
type SubscriptionRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewSubscriptionRepository(db *pgxpool.Pool, timeout time.Duration) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, timeout: timeout}
}

const subscriptionColumns = `id, customer_id, endpoint, p256dh, auth, user_agent, created_at, last_success_at`

func collectSubscriptions(rows pgx.Rows) ([]dbcontracts.PushSubscription, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dbcontracts.PushSubscription, error) {
		var s dbcontracts.PushSubscription
		err := row.Scan(&s.ID, &s.CustomerID, &s.Endpoint, &s.P256dh, &s.Auth, &s.UserAgent, &s.CreatedAt, &s.LastSuccessAt)
		return s, err
	})
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, customerID uuid.UUID) ([]dbcontracts.PushSubscription, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM push_subscriptions
		WHERE customer_id = $1
		ORDER BY created_at
	`, customerID)
	if err != nil {
		return nil, storeErr("list user subscriptions", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, storeErr("scan user subscriptions", err)
	}
	return subs, nil
}

// ListByUsers 返回多个客户的订阅；ids 为空时返回全部订阅
func (r *SubscriptionRepository) ListByUsers(ctx context.Context, customerIDs []uuid.UUID) ([]dbcontracts.PushSubscription, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows pgx.Rows
		err  error
	)
	if customerIDs == nil {
		rows, err = r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions ORDER BY customer_id, created_at`)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT `+subscriptionColumns+`
			FROM push_subscriptions
			WHERE customer_id = ANY($1)
			ORDER BY customer_id, created_at
		`, customerIDs)
	}
	if err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, storeErr("scan subscriptions", err)
	}
	return subs, nil
}

// Upsert 按 endpoint 去重；同一浏览器重新订阅时更新密钥与归属
func (r *SubscriptionRepository) Upsert(ctx context.Context, s *dbcontracts.PushSubscription) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRow(ctx, `
		INSERT INTO push_subscriptions (customer_id, endpoint, p256dh, auth, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (endpoint) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent
		RETURNING id, created_at
	`, s.CustomerID, s.Endpoint, s.P256dh, s.Auth, s.UserAgent).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return storeErr("upsert subscription", err)
	}
	return nil
}

// DeleteByEndpoint 用户主动退订，只能删除自己的订阅
func (r *SubscriptionRepository) DeleteByEndpoint(ctx context.Context, customerID uuid.UUID, endpoint string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM push_subscriptions WHERE customer_id = $1 AND endpoint = $2`, customerID, endpoint)
	if err != nil {
		return false, storeErr("delete subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByIDs 清理推送服务报告 Gone 的订阅
func (r *SubscriptionRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM push_subscriptions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, storeErr("delete gone subscriptions", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDelivered 记录最近一次成功投递时间
func (r *SubscriptionRepository) MarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.Exec(ctx, `UPDATE push_subscriptions SET last_success_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return storeErr("mark delivered", err)
	}
	return nil
}
