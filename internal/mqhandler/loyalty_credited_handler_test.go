package mqhandler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqcontracts "barberloyalty/contracts/mq"
	"barberloyalty/internal/domain"
	"barberloyalty/pkg/mq"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendToUser(ctx context.Context, userID uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	args := m.Called(ctx, userID, n, category, metadata)
	res, _ := args.Get(0).(*domain.DispatchResult)
	return res, args.Error(1)
}

type setDeduper struct {
	held     map[string]bool
	released []string
}

func (d *setDeduper) AcquireOnce(_ context.Context, scope, key string) bool {
	if d.held == nil {
		d.held = map[string]bool{}
	}
	if d.held[scope+key] {
		return false
	}
	d.held[scope+key] = true
	return true
}

func (d *setDeduper) Release(_ context.Context, scope, key string) {
	delete(d.held, scope+key)
	d.released = append(d.released, key)
}

func payload(t *testing.T, p mqcontracts.LoyaltyCreditedPayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestHandleSendsStampNotificationOnce(t *testing.T) {
	cust := uuid.New()
	booking := uuid.New()
	p := mqcontracts.LoyaltyCreditedPayload{
		CustomerID: cust, BookingID: &booking, Source: "auto", StampCount: 3, CreditedAt: time.Now(),
	}

	n := &mockNotifier{}
	n.On("SendToUser", mock.Anything, cust, mock.MatchedBy(func(x domain.Notification) bool {
		return x.Title == "Stamp added" && x.Body == "You have 3 stamps, 7 more until a free cut."
	}), domain.CategoryLoyaltyStamp, mock.MatchedBy(func(m map[string]any) bool {
		return m["booking_id"] == booking.String() && m["source"] == "auto"
	})).Return(&domain.DispatchResult{Status: domain.HistoryStatusSent, Sent: 1, Total: 1}, nil).Once()

	h := NewLoyaltyCreditedHandler(n, &setDeduper{}, zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), payload(t, p)))
	require.NoError(t, h.Handle(context.Background(), payload(t, p)))
	n.AssertExpectations(t)
}

func TestHandleReleasesDedupOnStoreFailure(t *testing.T) {
	cust := uuid.New()
	p := mqcontracts.LoyaltyCreditedPayload{CustomerID: cust, Source: "qr", StampCount: 1}

	n := &mockNotifier{}
	n.On("SendToUser", mock.Anything, cust, mock.Anything, domain.CategoryLoyaltyStamp, mock.Anything).
		Return(nil, domain.ErrStoreUnavailable).Once()
	n.On("SendToUser", mock.Anything, cust, mock.Anything, domain.CategoryLoyaltyStamp, mock.Anything).
		Return(&domain.DispatchResult{Status: domain.HistoryStatusNoSubscribers}, nil).Once()

	d := &setDeduper{}
	h := NewLoyaltyCreditedHandler(n, d, zap.NewNop())

	err := h.Handle(context.Background(), payload(t, p))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, mq.ErrPermanent)
	assert.Len(t, d.released, 1)

	require.NoError(t, h.Handle(context.Background(), payload(t, p)))
	n.AssertExpectations(t)
}

func TestHandleMalformedPayloadIsPermanent(t *testing.T) {
	h := NewLoyaltyCreditedHandler(&mockNotifier{}, nil, zap.NewNop())

	err := h.Handle(context.Background(), json.RawMessage(`{"customer_id":`))
	assert.ErrorIs(t, err, mq.ErrPermanent)

	err = h.Handle(context.Background(), json.RawMessage(`{"stamp_count":2}`))
	assert.ErrorIs(t, err, mq.ErrPermanent)
}

func TestStampNotificationFreeCut(t *testing.T) {
	n := StampNotification(mqcontracts.LoyaltyCreditedPayload{StampCount: 20, FreeCutGranted: true, FreeCutsAvailable: 2})
	assert.Equal(t, "You earned a free cut!", n.Title)
	assert.Contains(t, n.Body, "20 stamps")
	assert.Equal(t, 2, n.Data["freeCutsAvailable"])
}
