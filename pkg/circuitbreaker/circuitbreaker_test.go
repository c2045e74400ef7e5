package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(cfg)
	cb.now = func() time.Time { return now }
	cb.lastStateTime = now
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	_ = cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestGroup_SeparatesKeys(t *testing.T) {
	var changes []string
	g := NewGroup(Config{FailureThreshold: 1}, func(key string, from, to State) {
		changes = append(changes, key+":"+to.String())
	})

	_ = g.Get("fcm.googleapis.com").Execute(func() error { return errBoom })

	assert.Equal(t, StateOpen, g.Get("fcm.googleapis.com").GetState())
	assert.Equal(t, StateClosed, g.Get("updates.push.services.mozilla.com").GetState())
	assert.Same(t, g.Get("fcm.googleapis.com"), g.Get("fcm.googleapis.com"))
	assert.Equal(t, []string{"fcm.googleapis.com:open"}, changes)
}

func TestCircuitBreaker_NeutralErrorsAreNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return Neutral(errBoom) })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	// 中性结果不应清零已累计的失败
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return Neutral(errBoom) })
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_NeutralReleasesHalfOpenSlot(t *testing.T) {
	cb, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	_ = cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, cb.Execute(func() error { return Neutral(errBoom) }), errBoom)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}
