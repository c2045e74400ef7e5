package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"barberloyalty/pkg/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	events  map[int64]*Event
	sent    []int64
	failed  map[int64]int
	pending error
}

func newFakeStore(events ...*Event) *fakeStore {
	s := &fakeStore{events: map[int64]*Event{}, failed: map[int64]int{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, s.pending
	}
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, maxRetries int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	s.failed[id]++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	traceIDs []string
	failKey  string
}

func (p *recordingPublisher) PublishRaw(ctx context.Context, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if routingKey == p.failKey {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func event(id int64, key string, payload string) *Event {
	return &Event{ID: id, RoutingKey: key, Payload: json.RawMessage(payload), Status: StatusPending}
}

func TestDispatcherPublishesPendingEvents(t *testing.T) {
	store := newFakeStore(
		event(1, "loyalty.credited", `{"trace_id":"abc"}`),
		event(2, "loyalty.credited", `{}`),
	)
	pub := &recordingPublisher{}
	d := NewDispatcher(store, pub, zap.NewNop())

	n := d.ProcessPending(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, store.sent)
	assert.Equal(t, []string{"abc", ""}, pub.traceIDs)

	// 已发送的事件不会再被发布
	assert.Equal(t, 0, d.ProcessPending(context.Background()))
}

func TestDispatcherMarksFailuresUntilMaxRetries(t *testing.T) {
	store := newFakeStore(event(1, "broken", `{}`))
	pub := &recordingPublisher{failKey: "broken"}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)

	d.ProcessPending(context.Background())
	assert.Equal(t, StatusPending, store.events[1].Status)

	d.ProcessPending(context.Background())
	assert.Equal(t, StatusFailed, store.events[1].Status)
	assert.Equal(t, 2, store.failed[1])
	assert.Empty(t, store.sent)
}

func TestDispatcherStoreErrorPublishesNothing(t *testing.T) {
	store := newFakeStore(event(1, "loyalty.credited", `{}`))
	store.pending = errors.New("db down")
	pub := &recordingPublisher{}

	assert.Equal(t, 0, NewDispatcher(store, pub, zap.NewNop()).ProcessPending(context.Background()))
	assert.Empty(t, pub.keys)
}

func TestReplayFailedEvents(t *testing.T) {
	failed := event(1, "loyalty.credited", `{}`)
	failed.Status = StatusFailed
	stillBroken := event(2, "broken", `{}`)
	stillBroken.Status = StatusFailed
	store := newFakeStore(failed, stillBroken)

	svc := NewReplayService(store, &recordingPublisher{failKey: "broken"}, zap.NewNop())
	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, StatusFailed, store.events[2].Status)
}

func TestReplayUnknownEvent(t *testing.T) {
	svc := NewReplayService(newFakeStore(), &recordingPublisher{}, zap.NewNop())
	assert.ErrorIs(t, svc.ReplayEvent(context.Background(), 99, false), ErrEventNotFound)
}

func TestReplaySentEventNeedsForce(t *testing.T) {
	sent := event(1, "loyalty.credited", `{}`)
	sent.Status = StatusSent
	store := newFakeStore(sent)
	pub := &recordingPublisher{}
	svc := NewReplayService(store, pub, zap.NewNop())

	assert.ErrorIs(t, svc.ReplayEvent(context.Background(), 1, false), ErrAlreadySent)
	assert.Empty(t, pub.keys)

	require.NoError(t, svc.ReplayEvent(context.Background(), 1, true))
	assert.Equal(t, []string{"loyalty.credited"}, pub.keys)
}

func TestLocalPublisher(t *testing.T) {
	p := NewLocalPublisher()
	var got string
	p.Register("loyalty.credited", func(_ context.Context, data json.RawMessage) error {
		got = string(data)
		return nil
	})

	require.NoError(t, p.PublishRaw(context.Background(), "loyalty.credited", []byte(`{"x":1}`)))
	assert.Equal(t, `{"x":1}`, got)
	assert.Error(t, p.PublishRaw(context.Background(), "unknown", nil))
}
