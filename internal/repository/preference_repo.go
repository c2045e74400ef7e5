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

// 白名单：列名不能来自请求
var preferenceColumns = map[domain.PreferenceField]string{
	domain.PrefBookingConfirmations: "booking_confirmations",
	domain.PrefReminders:            "reminders",
	domain.PrefChatMessages:         "chat_messages",
	domain.PrefGiveaways:            "giveaways",
	domain.PrefPromotions:           "promotions",
}

type PreferenceRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPreferenceRepository(db *pgxpool.Pool, timeout time.Duration) *PreferenceRepository {
	return &PreferenceRepository{db: db, timeout: timeout}
}

// ListOptedOut 返回 ids 中显式关闭了 field 的客户；没有偏好行视为开启
func (r *PreferenceRepository) ListOptedOut(ctx context.Context, field domain.PreferenceField, ids []uuid.UUID) ([]uuid.UUID, error) {
	column, ok := preferenceColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: unknown preference field %q", domain.ErrValidation, field)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT customer_id FROM notification_preferences
		WHERE `+column+` = FALSE AND customer_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, storeErr("list opted out", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, storeErr("scan opted out", err)
	}
	return out, nil
}

// Get 没有偏好行时返回全部开启的默认值
func (r *PreferenceRepository) Get(ctx context.Context, customerID uuid.UUID) (*dbcontracts.NotificationPreference, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	p := dbcontracts.NotificationPreference{CustomerID: customerID}
	err := r.db.QueryRow(ctx, `
		SELECT booking_confirmations, reminders, chat_messages, giveaways, promotions, updated_at
		FROM notification_preferences WHERE customer_id = $1
	`, customerID).Scan(&p.BookingConfirmations, &p.Reminders, &p.ChatMessages, &p.Giveaways, &p.Promotions, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &dbcontracts.NotificationPreference{
			CustomerID:           customerID,
			BookingConfirmations: true,
			Reminders:            true,
			ChatMessages:         true,
			Giveaways:            true,
			Promotions:           true,
		}, nil
	}
	if err != nil {
		return nil, storeErr("get preferences", err)
	}
	return &p, nil
}

func (r *PreferenceRepository) Upsert(ctx context.Context, p *dbcontracts.NotificationPreference) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRow(ctx, `
		INSERT INTO notification_preferences
			(customer_id, booking_confirmations, reminders, chat_messages, giveaways, promotions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (customer_id) DO UPDATE SET
			booking_confirmations = EXCLUDED.booking_confirmations,
			reminders = EXCLUDED.reminders,
			chat_messages = EXCLUDED.chat_messages,
			giveaways = EXCLUDED.giveaways,
			promotions = EXCLUDED.promotions,
			updated_at = NOW()
		RETURNING updated_at
	`, p.CustomerID, p.BookingConfirmations, p.Reminders, p.ChatMessages, p.Giveaways, p.Promotions).Scan(&p.UpdatedAt)
	if err != nil {
		return storeErr("upsert preferences", err)
	}
	return nil
}
