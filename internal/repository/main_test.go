package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"barberloyalty/migrations"
	pkgdb "barberloyalty/pkg/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgPool      *pgxpool.Pool
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgPool != nil {
		pgPool.Close()
	}
	if pgContainer != nil {
		_ = testcontainers.TerminateContainer(pgContainer)
	}
	os.Exit(code)
}

// testPool 启动一次 Postgres 容器并跑迁移；每个测试开始前清空数据
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(func() {
		ctx := context.Background()
		pgContainer, pgErr = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("barber"),
			postgres.WithUsername("barber"),
			postgres.WithPassword("barber"),
			postgres.BasicWaitStrategies(),
		)
		if pgErr != nil {
			return
		}
		var dsn string
		dsn, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if pgErr != nil {
			return
		}
		pgPool, pgErr = pgxpool.New(ctx, dsn)
		if pgErr != nil {
			return
		}
		pgErr = migrations.Up(ctx, pkgdb.StdDB(pgPool))
	})
	require.NoError(t, pgErr)

	_, err := pgPool.Exec(context.Background(), `
		TRUNCATE outbox_events, notification_history, notification_preferences,
		         push_subscriptions, loyalty_stamps, loyalty_accounts, bookings, customers CASCADE
	`)
	require.NoError(t, err)
	return pgPool
}

func insertCustomer(t *testing.T, pool *pgxpool.Pool, name, token string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO customers (full_name, loyalty_token) VALUES ($1, NULLIF($2, '')) RETURNING id`,
		name, token).Scan(&id)
	require.NoError(t, err)
	return id
}

type bookingFixture struct {
	customer  *uuid.UUID
	at        time.Time
	total     float64
	cancelled bool
}

func insertBooking(t *testing.T, pool *pgxpool.Pool, f bookingFixture) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO bookings (customer_id, scheduled_at, total_price, cancelled)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, f.customer, f.at, f.total, f.cancelled).Scan(&id)
	require.NoError(t, err)
	return id
}
