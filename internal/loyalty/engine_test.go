package loyalty

import (
	"context"
	"sync"
	"testing"
	"time"

	"barberloyalty/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newEngine(store *memStore, deduper Deduper) *Engine {
	return NewEngine(store, store, store, deduper, DefaultConfig(), zap.NewNop()).WithClock(func() time.Time { return now })
}

func TestConcurrentCreditOnceStampsOnce(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Ana", "tok-ana")
	id := store.addBooking(&cust, now.Add(-2*time.Hour), 25, false)
	e := newEngine(store, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 16; i++ {
		source := domain.CreditedByAuto
		if i%2 == 1 {
			source = domain.CreditedByQR
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.CreditOnce(context.Background(), store.booking(id), source)
			assert.NoError(t, err)
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, store.account(cust).StampCount)
	assert.True(t, store.booking(id).Credited)
}

func TestFreeCutsFollowStampCount(t *testing.T) {
	for _, n := range []int{1, 9, 10, 11, 20, 27} {
		t.Run("", func(t *testing.T) {
			store := newMemStore()
			cust := store.addCustomer("Ben", "tok-ben")
			e := newEngine(store, nil)
			for i := 0; i < n; i++ {
				id := store.addBooking(&cust, now.Add(-time.Duration(i+2)*time.Hour), 10, false)
				out, err := e.CreditOnce(context.Background(), store.booking(id), domain.CreditedByAuto)
				require.NoError(t, err)
				require.True(t, out.Applied)
			}
			acc := store.account(cust)
			assert.Equal(t, n, acc.StampCount)
			assert.Equal(t, n/10, acc.FreeCutsAvailable)
		})
	}
}

func TestNinthToTenthStampGrantsFreeCut(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Cy", "tok-cy")
	e := newEngine(store, nil)
	for i := 0; i < 9; i++ {
		_, err := store.CreditWithoutBooking(context.Background(), cust, domain.CreditedByQR)
		require.NoError(t, err)
	}
	require.Equal(t, 0, store.account(cust).FreeCutsAvailable)

	id := store.addBooking(&cust, now.Add(-3*time.Hour), 30, false)
	out, err := e.CreditOnce(context.Background(), store.booking(id), domain.CreditedByAuto)
	require.NoError(t, err)
	assert.Equal(t, 10, out.StampCount)
	assert.True(t, out.FreeCutGranted)
	assert.Equal(t, 1, out.FreeCutsAvailable)
}

func TestSweepCreditsOnlyEligibleBookings(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Dee", "tok-dee")
	yesterday := now.Add(-24 * time.Hour)

	eligible := store.addBooking(&cust, yesterday, 10, false)
	belowMin := store.addBooking(&cust, yesterday, 9.99, false)
	cancelled := store.addBooking(&cust, yesterday, 40, true)
	anonymous := store.addBooking(nil, yesterday, 40, false)
	tooRecent := store.addBooking(&cust, now.Add(-30*time.Minute), 40, false)

	res, err := newEngine(store, nil).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Credited)
	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, 0, res.Failed)

	b := store.booking(eligible)
	assert.True(t, b.Credited)
	require.NotNil(t, b.CreditedBy)
	assert.Equal(t, "auto", *b.CreditedBy)
	assert.Equal(t, 1, store.account(cust).StampCount)

	for _, id := range []uuid.UUID{belowMin, cancelled, anonymous, tooRecent} {
		assert.False(t, store.booking(id).Credited)
	}

	res, err = newEngine(store, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Eli", "tok-eli")
	bad := store.addBooking(&cust, now.Add(-5*time.Hour), 20, false)
	store.addBooking(&cust, now.Add(-4*time.Hour), 20, false)
	store.failOn[bad] = domain.ErrStoreUnavailable

	cfg := DefaultConfig()
	cfg.SweepBatchSize = 1
	e := NewEngine(store, store, store, nil, cfg, zap.NewNop()).WithClock(func() time.Time { return now })
	res, err := e.Sweep(context.Background())
	require.NoError(t, err)

	// 批大小为 1 时失败的那条会挡住后面的预约，下次扫描再处理
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Credited)

	delete(store.failOn, bad)
	res, err = e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Credited)
	assert.Equal(t, 2, store.account(cust).StampCount)
}

func TestSweepListFailure(t *testing.T) {
	store := newMemStore()
	store.listErr = domain.ErrStoreUnavailable
	_, err := newEngine(store, nil).Sweep(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestScan(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Fay", "tok-fay")
	id := store.addBooking(&cust, now.Add(10*time.Minute), 15, false)
	e := newEngine(store, nil)

	res, err := e.Scan(context.Background(), "tok-fay")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Fay", res.UserName)
	require.NotNil(t, res.NewCount)
	assert.Equal(t, 1, *res.NewCount)
	require.NotNil(t, res.BookingID)
	assert.Equal(t, id, *res.BookingID)
	require.NotNil(t, store.booking(id).CreditedBy)
	assert.Equal(t, "qr", *store.booking(id).CreditedBy)

	// 没有可入账的预约：仍然盖章，但不关联预约
	res, err = e.Scan(context.Background(), "tok-fay")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.NewCount)
	assert.Equal(t, 2, *res.NewCount)
	assert.Nil(t, res.BookingID)
	assert.Nil(t, store.stamps[1].BookingID)
}

func TestScanPicksMostRecentEligible(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Gus", "tok-gus")
	older := store.addBooking(&cust, now.Add(-48*time.Hour), 20, false)
	newer := store.addBooking(&cust, now.Add(-1*time.Hour), 20, false)
	store.addBooking(&cust, now, 5, false)

	res, err := newEngine(store, nil).Scan(context.Background(), "tok-gus")
	require.NoError(t, err)
	require.NotNil(t, res.BookingID)
	assert.Equal(t, newer, *res.BookingID)
	assert.False(t, store.booking(older).Credited)
}

func TestScanIgnoresFutureBookingsBeyondLookahead(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Kit", "tok-kit")
	today := store.addBooking(&cust, now.Add(-30*time.Minute), 20, false)
	nextWeek := store.addBooking(&cust, now.Add(7*24*time.Hour), 20, false)

	res, err := newEngine(store, nil).Scan(context.Background(), "tok-kit")
	require.NoError(t, err)
	require.NotNil(t, res.BookingID)
	assert.Equal(t, today, *res.BookingID)

	later := NewEngine(store, store, store, nil, DefaultConfig(), zap.NewNop()).
		WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	sweep, err := later.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Credited)

	assert.Equal(t, 1, store.account(cust).StampCount)
	assert.False(t, store.booking(nextWeek).Credited)
	require.NotNil(t, store.booking(today).CreditedBy)
	assert.Equal(t, "qr", *store.booking(today).CreditedBy)
}

func TestScanFallsBackToUpcomingBookingWithinLookahead(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Lou", "tok-lou")
	soon := store.addBooking(&cust, now.Add(40*time.Minute), 20, false)
	store.addBooking(&cust, now.Add(90*time.Minute), 20, false)
	store.addBooking(&cust, now.Add(3*time.Hour), 20, false)

	res, err := newEngine(store, nil).Scan(context.Background(), "tok-lou")
	require.NoError(t, err)
	require.NotNil(t, res.BookingID)
	assert.Equal(t, soon, *res.BookingID)

	cfg := DefaultConfig()
	cfg.ScanLookahead = 0
	strict := NewEngine(store, store, store, nil, cfg, zap.NewNop()).WithClock(func() time.Time { return now })
	res, err = strict.Scan(context.Background(), "tok-lou")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.BookingID)
}

func TestScanHonoursZeroMinimumTotal(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Max", "tok-max")
	free := store.addBooking(&cust, now.Add(-time.Hour), 0, false)

	cfg := DefaultConfig()
	cfg.MinimumTotal = 0
	e := NewEngine(store, store, store, nil, cfg, zap.NewNop()).WithClock(func() time.Time { return now })

	res, err := e.Scan(context.Background(), "tok-max")
	require.NoError(t, err)
	require.NotNil(t, res.BookingID)
	assert.Equal(t, free, *res.BookingID)

	assert.Equal(t, 10.0, Config{MinimumTotal: -1}.withDefaults().MinimumTotal)
	assert.Zero(t, Config{}.withDefaults().MinimumTotal)
}

func TestScanBusinessRejections(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Hal", "tok-hal")

	res, err := newEngine(store, nil).Scan(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)

	res, err = newEngine(store, nil).Scan(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Equal(t, 0, store.account(cust).StampCount)
}

func TestScanDebounce(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Ivy", "tok-ivy")
	cfg := DefaultConfig()
	cfg.ScanDebounce = time.Minute
	e := NewEngine(store, store, store, &onceDeduper{}, cfg, zap.NewNop()).WithClock(func() time.Time { return now })

	first, err := e.Scan(context.Background(), "tok-ivy")
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := e.Scan(context.Background(), "tok-ivy")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "Ivy", second.UserName)
	assert.Equal(t, 1, store.account(cust).StampCount)
}

func TestScanDebounceSkipsBookingScans(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Ned", "tok-ned")
	store.addBooking(&cust, now.Add(-20*time.Minute), 20, false)
	cfg := DefaultConfig()
	cfg.ScanDebounce = time.Minute
	e := NewEngine(store, store, store, &onceDeduper{}, cfg, zap.NewNop()).WithClock(func() time.Time { return now })

	first, err := e.Scan(context.Background(), "tok-ned")
	require.NoError(t, err)
	require.NotNil(t, first.BookingID)

	// 紧接着的无预约扫码仍然盖章
	second, err := e.Scan(context.Background(), "tok-ned")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Nil(t, second.BookingID)
	assert.Equal(t, 2, store.account(cust).StampCount)
}

func TestRedeemFreeCut(t *testing.T) {
	store := newMemStore()
	cust := store.addCustomer("Jo", "tok-jo")
	e := newEngine(store, nil)

	_, err := e.RedeemFreeCut(context.Background(), cust)
	assert.ErrorIs(t, err, domain.ErrNoFreeCuts)

	for i := 0; i < 10; i++ {
		_, err := store.CreditWithoutBooking(context.Background(), cust, domain.CreditedByQR)
		require.NoError(t, err)
	}
	acc, err := e.RedeemFreeCut(context.Background(), cust)
	require.NoError(t, err)
	assert.Equal(t, 0, acc.FreeCutsAvailable)
	assert.Equal(t, 1, acc.FreeCutsRedeemed)
	assert.Equal(t, 10, acc.StampCount)
}
