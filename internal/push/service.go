// Package push performs single Web Push deliveries and classifies their
// outcome. It never retries and never touches the store.
package push

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"barberloyalty/internal/domain"
	"barberloyalty/internal/vapid"
	"barberloyalty/pkg/circuitbreaker"
	"barberloyalty/pkg/metrics"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is the three-way classification of one delivery.
type Outcome int

const (
	Delivered Outcome = iota
	// Gone: the endpoint is permanently invalid and the subscription must be deleted.
	Gone
	// TransientFailure: anything else; the subscription is kept.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	default:
		return "transient"
	}
}

// Subscription is the browser-issued delivery target.
type Subscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Result of one Deliver call. Err is set for Gone and TransientFailure.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

type Config struct {
	Subscriber    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Breaker       circuitbreaker.Config
}

type Service struct {
	keys     *vapid.KeyPair
	cfg      Config
	client   webpush.HTTPClient
	limiter  *rate.Limiter
	breakers *circuitbreaker.Group
	logger   *zap.Logger
}

// NewService builds the delivery service. client may be nil.
func NewService(keys *vapid.KeyPair, cfg Config, client webpush.HTTPClient, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	s := &Service{
		keys:    keys,
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		logger:  logger,
	}
	s.breakers = circuitbreaker.NewGroup(cfg.Breaker, func(host string, from, to circuitbreaker.State) {
		metrics.RecordBreakerTransition(host, to.String())
		logger.Warn("Push host circuit breaker changed state",
			zap.String("host", host),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return s
}

// Deliver performs exactly one push attempt.
func (s *Service) Deliver(ctx context.Context, sub Subscription, payload []byte, urgency string, ttlSeconds int) Result {
	start := time.Now()
	res := s.deliver(ctx, sub, payload, urgency, ttlSeconds)
	metrics.RecordPushDelivery(res.Outcome.String(), time.Since(start))
	return res
}

func (s *Service) deliver(ctx context.Context, sub Subscription, payload []byte, urgency string, ttlSeconds int) Result {
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return Result{Outcome: Gone, Err: fmt.Errorf("%w: missing endpoint or keys", domain.ErrInvalidSubscription)}
	}
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Host == "" {
		return Result{Outcome: Gone, Err: fmt.Errorf("%w: bad endpoint %q", domain.ErrInvalidSubscription, sub.Endpoint)}
	}
	if err := validateKeys(sub); err != nil {
		return Result{Outcome: Gone, Err: fmt.Errorf("%w: %v", domain.ErrInvalidSubscription, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{Outcome: TransientFailure, Err: fmt.Errorf("push rate limit: %w", err)}
		}
	}

	var res Result
	err = s.breakers.Get(endpoint.Host).Execute(func() error {
		var reached bool
		res, reached = s.send(ctx, sub, payload, urgency, ttlSeconds)
		switch {
		case !reached:
			// 请求未发出，与推送主机健康无关
			return circuitbreaker.Neutral(res.Err)
		case hostFailure(res):
			return res.Err
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return Result{Outcome: TransientFailure, Err: fmt.Errorf("push host %s: %w", endpoint.Host, err)}
	}
	return res
}

// hostFailure reports whether res says something about the push host itself:
// network errors, 5xx and 429. Other 4xx answers mean the host is up.
func hostFailure(res Result) bool {
	if res.Outcome != TransientFailure {
		return false
	}
	return res.StatusCode == 0 || res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests
}

// send returns reached=false when webpush failed before any HTTP request was made.
func (s *Service) send(ctx context.Context, sub Subscription, payload []byte, urgency string, ttlSeconds int) (Result, bool) {
	client := &trackingClient{inner: s.client}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      client,
		Subscriber:      strings.TrimPrefix(s.cfg.Subscriber, "mailto:"),
		TTL:             ttlSeconds,
		Urgency:         webpush.Urgency(urgency),
		VAPIDPublicKey:  s.keys.PublicKey(),
		VAPIDPrivateKey: s.keys.PrivateKey(),
	})
	if err != nil {
		// 订阅密钥已在 validateKeys 校验过，这里多半是 payload 过大
		return Result{Outcome: TransientFailure, Err: fmt.Errorf("push send: %w", err)}, client.called
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classify(resp.StatusCode, body), true
}

func classify(status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: Delivered, StatusCode: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return Result{Outcome: Gone, StatusCode: status, Err: fmt.Errorf("push service returned %d: subscription expired", status)}
	default:
		return Result{
			Outcome:    TransientFailure,
			StatusCode: status,
			Err:        fmt.Errorf("push service returned %d: %s", status, strings.TrimSpace(string(body))),
		}
	}
}

type trackingClient struct {
	inner  webpush.HTTPClient
	called bool
}

func (c *trackingClient) Do(req *http.Request) (*http.Response, error) {
	c.called = true
	return c.inner.Do(req)
}

// validateKeys checks that p256dh is an uncompressed P-256 point and auth is
// a 16 byte secret, so undecryptable subscriptions never reach the network.
func validateKeys(sub Subscription) error {
	p256dh, err := decodeKey(sub.P256dh)
	if err != nil {
		return fmt.Errorf("p256dh: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(p256dh); err != nil {
		return fmt.Errorf("p256dh: %w", err)
	}
	auth, err := decodeKey(sub.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if len(auth) != 16 {
		return fmt.Errorf("auth: want 16 bytes, got %d", len(auth))
	}
	return nil
}

// 浏览器可能给出 url-safe 或标准 base64，带或不带 padding
func decodeKey(key string) ([]byte, error) {
	key = strings.TrimRight(key, "=")
	if b, err := base64.RawURLEncoding.DecodeString(key); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(key)
}
