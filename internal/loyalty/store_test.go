package loyalty

import (
	"context"
	"sort"
	"sync"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"

	"github.com/google/uuid"
)

// memStore mirrors the conditional update of the SQL repositories: the
// credited flip and the stamp happen under one lock.
type memStore struct {
	mu        sync.Mutex
	bookings  map[uuid.UUID]*dbcontracts.Booking
	accounts  map[uuid.UUID]*dbcontracts.LoyaltyAccount
	customers map[string]dbcontracts.Customer
	stamps    []dbcontracts.LoyaltyStamp
	failOn    map[uuid.UUID]error
	listErr   error
}

func newMemStore() *memStore {
	return &memStore{
		bookings:  map[uuid.UUID]*dbcontracts.Booking{},
		accounts:  map[uuid.UUID]*dbcontracts.LoyaltyAccount{},
		customers: map[string]dbcontracts.Customer{},
		failOn:    map[uuid.UUID]error{},
	}
}

func (m *memStore) addCustomer(name, token string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := dbcontracts.Customer{ID: uuid.New(), FullName: name, LoyaltyToken: token}
	m.customers[token] = c
	return c.ID
}

func (m *memStore) addBooking(customer *uuid.UUID, at time.Time, total float64, cancelled bool) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &dbcontracts.Booking{ID: uuid.New(), CustomerID: customer, ScheduledAt: at, TotalPrice: total, Cancelled: cancelled}
	m.bookings[b.ID] = b
	return b.ID
}

func (m *memStore) booking(id uuid.UUID) dbcontracts.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bookings[id]
}

func (m *memStore) account(id uuid.UUID) dbcontracts.LoyaltyAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		return *a
	}
	return dbcontracts.LoyaltyAccount{CustomerID: id}
}

func (m *memStore) ListCreditable(_ context.Context, minTotal float64, before time.Time, limit int) ([]dbcontracts.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []dbcontracts.Booking
	for _, b := range m.bookings {
		if !b.Credited && !b.Cancelled && b.CustomerID != nil && b.TotalPrice >= minTotal && !b.ScheduledAt.After(before) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) LatestEligible(_ context.Context, customerID uuid.UUID, minTotal float64, at time.Time, lookahead time.Duration) (*dbcontracts.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var started, upcoming *dbcontracts.Booking
	for _, b := range m.bookings {
		if b.CustomerID == nil || *b.CustomerID != customerID || b.Credited || b.Cancelled || b.TotalPrice < minTotal {
			continue
		}
		switch {
		case !b.ScheduledAt.After(at):
			if started == nil || b.ScheduledAt.After(started.ScheduledAt) {
				started = b
			}
		case !b.ScheduledAt.After(at.Add(lookahead)):
			if upcoming == nil || b.ScheduledAt.Before(upcoming.ScheduledAt) {
				upcoming = b
			}
		}
	}
	best := started
	if best == nil {
		best = upcoming
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) CreditBooking(_ context.Context, bookingID, customerID uuid.UUID, source domain.CreditSource, minTotal float64) (domain.CreditOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[bookingID]; err != nil {
		return domain.CreditOutcome{}, err
	}
	out := domain.CreditOutcome{CustomerID: customerID, BookingID: &bookingID, Source: source}
	b, ok := m.bookings[bookingID]
	if !ok || b.Credited || b.Cancelled || b.CustomerID == nil || *b.CustomerID != customerID || b.TotalPrice < minTotal {
		return out, nil
	}
	now := time.Now()
	by := string(source)
	b.Credited, b.CreditedBy, b.CreditedAt = true, &by, &now
	m.stampLocked(&out, now)
	return out, nil
}

func (m *memStore) CreditWithoutBooking(_ context.Context, customerID uuid.UUID, source domain.CreditSource) (domain.CreditOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.CreditOutcome{CustomerID: customerID, Source: source}
	m.stampLocked(&out, time.Now())
	return out, nil
}

func (m *memStore) stampLocked(out *domain.CreditOutcome, at time.Time) {
	a, ok := m.accounts[out.CustomerID]
	if !ok {
		a = &dbcontracts.LoyaltyAccount{CustomerID: out.CustomerID}
		m.accounts[out.CustomerID] = a
	}
	a.StampCount++
	if domain.FreeCutEarned(a.StampCount) {
		a.FreeCutsAvailable++
	}
	a.LastCreditedAt = &at
	m.stamps = append(m.stamps, dbcontracts.LoyaltyStamp{
		CustomerID: out.CustomerID, BookingID: out.BookingID, Source: string(out.Source), StampNumber: a.StampCount,
	})
	out.Applied = true
	out.CreditedAt = at
	out.StampCount = a.StampCount
	out.FreeCutsAvailable = a.FreeCutsAvailable
	out.FreeCutGranted = domain.FreeCutEarned(a.StampCount)
}

func (m *memStore) RedeemFreeCut(_ context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[customerID]
	if !ok || a.FreeCutsAvailable == 0 {
		return nil, domain.ErrNoFreeCuts
	}
	a.FreeCutsAvailable--
	a.FreeCutsRedeemed++
	cp := *a
	return &cp, nil
}

func (m *memStore) GetAccount(_ context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error) {
	a := m.account(customerID)
	return &a, nil
}

func (m *memStore) FindByLoyaltyToken(_ context.Context, token string) (*dbcontracts.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[token]
	if !ok {
		return nil, domain.ErrUnknownToken
	}
	return &c, nil
}

type onceDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *onceDeduper) AcquireFor(_ context.Context, scope, key string, _ time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	k := scope + ":" + key
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}
