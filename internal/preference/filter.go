// Package preference removes recipients that turned a notification category off.
package preference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"barberloyalty/internal/domain"
	"barberloyalty/pkg/metrics"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Store is the read side of notification_preferences.
type Store interface {
	ListOptedOut(ctx context.Context, field domain.PreferenceField, ids []uuid.UUID) ([]uuid.UUID, error)
}

type Filter struct {
	store Store
	cache *gocache.Cache
}

// NewFilter caches opted-out sets for ttl; ttl <= 0 disables the cache.
func NewFilter(store Store, ttl time.Duration) *Filter {
	f := &Filter{store: store}
	if ttl > 0 {
		f.cache = gocache.New(ttl, 2*ttl)
	}
	return f
}

// Filter returns the candidates that may receive category, preserving order.
// Transactional categories pass through untouched. Users without a
// preference row are opted in.
func (f *Filter) Filter(ctx context.Context, category domain.Category, candidates []uuid.UUID) ([]uuid.UUID, error) {
	policy := domain.PolicyFor(category)
	if policy.Field == domain.PrefNone || len(candidates) == 0 {
		return candidates, nil
	}

	optedOut, err := f.optedOut(ctx, policy.Field, candidates)
	if err != nil {
		return nil, err
	}
	if len(optedOut) == 0 {
		return candidates, nil
	}

	allowed := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		if _, skip := optedOut[id]; !skip {
			allowed = append(allowed, id)
		}
	}
	metrics.AddPreferenceSkipped(string(category), len(candidates)-len(allowed))
	return allowed, nil
}

func (f *Filter) optedOut(ctx context.Context, field domain.PreferenceField, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	key := cacheKey(field, ids)
	if f.cache != nil {
		if v, ok := f.cache.Get(key); ok {
			return v.(map[uuid.UUID]struct{}), nil
		}
	}

	rows, err := f.store.ListOptedOut(ctx, field, ids)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]struct{}, len(rows))
	for _, id := range rows {
		set[id] = struct{}{}
	}

	if f.cache != nil {
		f.cache.SetDefault(key, set)
	}
	return set, nil
}

// Invalidate drops cached sets, e.g. after a user changed preferences.
func (f *Filter) Invalidate() {
	if f.cache != nil {
		f.cache.Flush()
	}
}

// cacheKey 与 ids 顺序无关；群发时候选人很多，只保留摘要
func cacheKey(field domain.PreferenceField, ids []uuid.UUID) string {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	h := sha256.New()
	for _, id := range sorted {
		h.Write(id[:])
	}
	return string(field) + ":" + hex.EncodeToString(h.Sum(nil))
}
