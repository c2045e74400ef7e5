package repository

import (
	"context"
	"time"

	dbcontracts "barberloyalty/contracts/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryRepository notification_history 只追加
type HistoryRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewHistoryRepository(db *pgxpool.Pool, timeout time.Duration) *HistoryRepository {
	return &HistoryRepository{db: db, timeout: timeout}
}

func (r *HistoryRepository) Insert(ctx context.Context, h *dbcontracts.NotificationHistory) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	metadata := h.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO notification_history
			(type, title, body, status, target_user_id, sent_count, total_count, skipped_count, error_detail, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, h.Type, h.Title, h.Body, h.Status, h.TargetUserID, h.SentCount, h.TotalCount, h.SkippedCount, h.ErrorDetail, metadata).
		Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return storeErr("insert history", err)
	}
	return nil
}

func (r *HistoryRepository) List(ctx context.Context, limit, offset int) ([]dbcontracts.NotificationHistory, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT id, type, title, body, status, target_user_id, sent_count, total_count,
		       skipped_count, error_detail, metadata, created_at
		FROM notification_history
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dbcontracts.NotificationHistory, error) {
		var h dbcontracts.NotificationHistory
		err := row.Scan(&h.ID, &h.Type, &h.Title, &h.Body, &h.Status, &h.TargetUserID, &h.SentCount,
			&h.TotalCount, &h.SkippedCount, &h.ErrorDetail, &h.Metadata, &h.CreatedAt)
		return h, err
	})
	if err != nil {
		return nil, storeErr("scan history", err)
	}
	return out, nil
}
