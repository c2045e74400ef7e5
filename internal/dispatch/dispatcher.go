// Package dispatch fans a notification out to push subscriptions, prunes the
// ones the push service reports gone and writes one history row per call.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/domain"
	"barberloyalty/internal/push"
	"barberloyalty/pkg/logger"
	"barberloyalty/pkg/metrics"
	"barberloyalty/pkg/otel"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxPayloadBytes keeps the encrypted record under the 4096 byte limit.
const MaxPayloadBytes = 3800

const maxErrorEntries = 20

type SubscriptionStore interface {
	ListByUser(ctx context.Context, customerID uuid.UUID) ([]dbcontracts.PushSubscription, error)
	// ListByUsers with nil ids returns every subscription.
	ListByUsers(ctx context.Context, customerIDs []uuid.UUID) ([]dbcontracts.PushSubscription, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int, error)
	MarkDelivered(ctx context.Context, ids []uuid.UUID) error
}

type HistoryStore interface {
	Insert(ctx context.Context, h *dbcontracts.NotificationHistory) error
}

type Deliverer interface {
	Deliver(ctx context.Context, sub push.Subscription, payload []byte, urgency string, ttlSeconds int) push.Result
}

type RecipientFilter interface {
	Filter(ctx context.Context, category domain.Category, candidates []uuid.UUID) ([]uuid.UUID, error)
}

type Config struct {
	Concurrency  int
	TTLSeconds   int
	DefaultIcon  string
	DefaultBadge string
}

type Dispatcher struct {
	subs    SubscriptionStore
	history HistoryStore
	pusher  Deliverer
	filter  RecipientFilter
	cfg     Config
	logger  *zap.Logger
}

func NewDispatcher(subs SubscriptionStore, history HistoryStore, pusher Deliverer, filter RecipientFilter, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = 86400
	}
	return &Dispatcher{
		subs:    subs,
		history: history,
		pusher:  pusher,
		filter:  filter,
		cfg:     cfg,
		logger:  logger,
	}
}

// SendToUser delivers to every subscription of one user. It never consults
// preferences: callers use it for messages the user must receive.
func (d *Dispatcher) SendToUser(ctx context.Context, userID uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	ctx, span := otel.StartSpan(ctx, "dispatch.send_to_user")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID.String()), attribute.String("category", string(category)))

	subs, err := d.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, "user", &userID, subs, 0, n, category, metadata)
}

// SendToUsers delivers to the given users after preference filtering.
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	ctx, span := otel.StartSpan(ctx, "dispatch.send_to_users")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(userIDs)), attribute.String("category", string(category)))

	if userIDs == nil {
		userIDs = []uuid.UUID{}
	}
	return d.broadcast(ctx, "users", userIDs, n, category, metadata)
}

// SendToAll delivers to every subscription whose owner did not opt out.
func (d *Dispatcher) SendToAll(ctx context.Context, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	ctx, span := otel.StartSpan(ctx, "dispatch.send_to_all")
	defer span.End()
	span.SetAttributes(attribute.String("category", string(category)))

	return d.broadcast(ctx, "all", nil, n, category, metadata)
}

func (d *Dispatcher) broadcast(ctx context.Context, kind string, userIDs []uuid.UUID, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	var subs []dbcontracts.PushSubscription
	if userIDs == nil || len(userIDs) > 0 {
		var err error
		if subs, err = d.subs.ListByUsers(ctx, userIDs); err != nil {
			return nil, err
		}
	}

	owners := distinctOwners(subs)
	allowed, err := d.filter.Filter(ctx, category, owners)
	if err != nil {
		return nil, err
	}

	keep := make(map[uuid.UUID]struct{}, len(allowed))
	for _, id := range allowed {
		keep[id] = struct{}{}
	}
	survivors := subs[:0:0]
	for _, s := range subs {
		if _, ok := keep[s.CustomerID]; ok {
			survivors = append(survivors, s)
		}
	}

	return d.run(ctx, kind, nil, survivors, len(subs)-len(survivors), n, category, metadata)
}

type attempt struct {
	sub    dbcontracts.PushSubscription
	result push.Result
}

func (d *Dispatcher) run(ctx context.Context, kind string, target *uuid.UUID, subs []dbcontracts.PushSubscription, skipped int, n domain.Notification, category domain.Category, metadata map[string]any) (*domain.DispatchResult, error) {
	start := time.Now()
	log := logger.WithTrace(ctx, d.logger).With(zap.String("kind", kind), zap.String("category", string(category)))

	n = d.withDefaults(n, category)
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("%w: encode notification: %v", domain.ErrValidation, err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: notification payload is %d bytes, limit %d", domain.ErrValidation, len(payload), MaxPayloadBytes)
	}

	attempts := d.deliverAll(ctx, subs, payload, domain.PolicyFor(category).Urgency)

	res := &domain.DispatchResult{Total: len(attempts), Skipped: skipped}
	var gone, delivered []uuid.UUID
	notified := make(map[uuid.UUID]struct{})
	for _, a := range attempts {
		switch a.result.Outcome {
		case push.Delivered:
			res.Sent++
			delivered = append(delivered, a.sub.ID)
			notified[a.sub.CustomerID] = struct{}{}
		case push.Gone:
			gone = append(gone, a.sub.ID)
			log.Info("Subscription gone, pruning",
				zap.String("subscription_id", a.sub.ID.String()),
				zap.Int("status", a.result.StatusCode),
			)
		default:
			log.Warn("Push delivery failed",
				zap.String("subscription_id", a.sub.ID.String()),
				zap.Int("status", a.result.StatusCode),
				zap.Error(a.result.Err),
			)
			if len(res.Errors) < maxErrorEntries {
				res.Errors = append(res.Errors, describeFailure(a))
			}
		}
	}
	res.UsersNotified = len(notified)

	if len(gone) > 0 {
		pruned, err := d.subs.DeleteByIDs(ctx, gone)
		if err != nil {
			return nil, err
		}
		res.Pruned = pruned
		metrics.AddSubscriptionsPruned(pruned)
	}
	if err := d.subs.MarkDelivered(ctx, delivered); err != nil {
		log.Warn("Failed to record delivery time", zap.Error(err))
	}

	res.Status = historyStatus(res)
	h, err := d.historyRow(n, category, target, res, metadata)
	if err != nil {
		return nil, err
	}
	if err := d.history.Insert(ctx, h); err != nil {
		return nil, err
	}
	res.HistoryID = h.ID

	metrics.RecordDispatch(kind, res.Status, time.Since(start))
	log.Info("Dispatch finished",
		zap.String("status", res.Status),
		zap.Int("sent", res.Sent),
		zap.Int("total", res.Total),
		zap.Int("skipped", res.Skipped),
		zap.Int("pruned", res.Pruned),
		zap.Int("users_notified", res.UsersNotified),
	)
	return res, nil
}

// deliverAll runs the deliveries with bounded parallelism. Each goroutine
// writes only its own slot.
func (d *Dispatcher) deliverAll(ctx context.Context, subs []dbcontracts.PushSubscription, payload []byte, urgency string) []attempt {
	attempts := make([]attempt, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, s := range subs {
		g.Go(func() error {
			attempts[i] = attempt{
				sub: s,
				result: d.pusher.Deliver(gctx, push.Subscription{
					Endpoint: s.Endpoint,
					P256dh:   s.P256dh,
					Auth:     s.Auth,
				}, payload, urgency, d.cfg.TTLSeconds),
			}
			return nil
		})
	}
	_ = g.Wait()
	return attempts
}

func (d *Dispatcher) withDefaults(n domain.Notification, category domain.Category) domain.Notification {
	if n.Icon == "" {
		n.Icon = d.cfg.DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = d.cfg.DefaultBadge
	}
	data := make(map[string]any, len(n.Data)+1)
	for k, v := range n.Data {
		data[k] = v
	}
	if _, ok := data["type"]; !ok {
		data["type"] = string(category)
	}
	n.Data = data
	return n
}

func (d *Dispatcher) historyRow(n domain.Notification, category domain.Category, target *uuid.UUID, res *domain.DispatchResult, metadata map[string]any) (*dbcontracts.NotificationHistory, error) {
	meta := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["users_notified"] = res.UsersNotified
	meta["pruned"] = res.Pruned
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", domain.ErrValidation, err)
	}

	h := &dbcontracts.NotificationHistory{
		Type:         string(category),
		Title:        n.Title,
		Body:         n.Body,
		Status:       res.Status,
		TargetUserID: target,
		SentCount:    res.Sent,
		TotalCount:   res.Total,
		SkippedCount: res.Skipped,
		Metadata:     raw,
	}
	if len(res.Errors) > 0 {
		detail := strings.Join(res.Errors, "; ")
		h.ErrorDetail = &detail
	}
	return h, nil
}

func historyStatus(res *domain.DispatchResult) string {
	switch {
	case res.Total == 0:
		return domain.HistoryStatusNoSubscribers
	case res.Sent > 0:
		return domain.HistoryStatusSent
	default:
		return domain.HistoryStatusFailed
	}
}

func distinctOwners(subs []dbcontracts.PushSubscription) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(subs))
	out := make([]uuid.UUID, 0, len(subs))
	for _, s := range subs {
		if _, ok := seen[s.CustomerID]; ok {
			continue
		}
		seen[s.CustomerID] = struct{}{}
		out = append(out, s.CustomerID)
	}
	return out
}

// describeFailure 不暴露完整 endpoint（其中包含推送令牌）
func describeFailure(a attempt) string {
	host := "unknown"
	if u, err := url.Parse(a.sub.Endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if a.result.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", host, a.result.StatusCode)
	}
	if a.result.Err != nil {
		return fmt.Sprintf("%s: %v", host, a.result.Err)
	}
	return host + ": transient failure"
}
