package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"barberloyalty/internal/loyalty"
	"barberloyalty/internal/reminder"
	"barberloyalty/pkg/circuitbreaker"
	pkgconfig "barberloyalty/pkg/config"
	"barberloyalty/pkg/errtrack"
	"barberloyalty/pkg/logger"
	"barberloyalty/pkg/otel"
)

type PushConfig struct {
	TTLSeconds    int           `yaml:"ttl_seconds"`
	Concurrency   int           `yaml:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
	DefaultIcon   string        `yaml:"default_icon"`
	DefaultBadge  string        `yaml:"default_badge"`
	// 偏好过滤结果的缓存时间，0 关闭缓存
	PreferenceCacheTTL time.Duration         `yaml:"preference_cache_ttl"`
	Breaker            circuitbreaker.Config `yaml:"breaker"`
}

type StoreConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// ConsumerConfig MQ 消费端重试
type ConsumerConfig struct {
	MaxRetries      int64         `yaml:"max_retries"`
	RetryTTL        time.Duration `yaml:"retry_ttl"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

type Config struct {
	DB        pkgconfig.DBConfig     `yaml:"db"`
	MQ        pkgconfig.MQConfig     `yaml:"mq"`
	Redis     pkgconfig.RedisConfig  `yaml:"redis"`
	JWT       pkgconfig.JWTConfig    `yaml:"jwt"`
	Server    pkgconfig.ServerConfig `yaml:"server"`
	VAPID     pkgconfig.VAPIDConfig  `yaml:"vapid"`
	Push      PushConfig             `yaml:"push"`
	Loyalty   loyalty.Config         `yaml:"loyalty"`
	Reminders reminder.Config        `yaml:"reminders"`
	Store     StoreConfig            `yaml:"store"`
	Outbox    OutboxConfig           `yaml:"outbox"`
	Consumer  ConsumerConfig         `yaml:"consumer"`
	OTel      otel.Config            `yaml:"otel"`
	Sentry    errtrack.Config        `yaml:"sentry"`
	Log       logger.Config          `yaml:"log"`
}

// Load 使用统一配置中心：CONFIG_ENV 选择环境，CONFIG_DIR 指定目录
func Load() (*Config, error) {
	return LoadFrom(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	raw, err := pkgconfig.LoadConfig(env, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Defaults()
	if err := pkgconfig.Decode(raw, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideVAPIDFromEnv(&cfg.VAPID)
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}
	if cfg.Sentry.Environment == "" {
		cfg.Sentry.Environment = env
	}
	if cfg.OTel.Environment == "" {
		cfg.OTel.Environment = env
	}

	return cfg, nil
}

// Defaults 是 yaml 中未出现的字段的取值
func Defaults() *Config {
	return &Config{
		DB: pkgconfig.DBConfig{
			Host: "localhost", Port: 5432, User: "postgres", Name: "barberloyalty",
			MaxConns: 10, MinConns: 1, SlowQueryThreshold: 100 * time.Millisecond,
		},
		MQ:     pkgconfig.MQConfig{Queue: "loyalty.credited.notify"},
		JWT:    pkgconfig.JWTConfig{TTL: 24 * time.Hour},
		Server: pkgconfig.ServerConfig{Port: "8080", Mode: "release", ReadTimeout: 10 * time.Second, WriteTimeout: 60 * time.Second},
		Push: PushConfig{
			TTLSeconds:         86400,
			Concurrency:        8,
			RatePerSecond:      50,
			Burst:              20,
			Timeout:            10 * time.Second,
			PreferenceCacheTTL: 30 * time.Second,
			Breaker:            circuitbreaker.DefaultConfig(),
		},
		Loyalty: loyalty.DefaultConfig(),
		Reminders: reminder.Config{
			Interval:           10 * time.Minute,
			Lead:               2 * time.Hour,
			InactivityDays:     45,
			InactivityInterval: 24 * time.Hour,
			BatchSize:          200,
		},
		Store:    StoreConfig{Timeout: 5 * time.Second},
		Outbox:   OutboxConfig{Interval: 2 * time.Second, BatchSize: 100, MaxRetries: 5},
		Consumer: ConsumerConfig{
			MaxRetries:      5,
			RetryTTL:        time.Hour,
			RetryBackoff:    500 * time.Millisecond,
			MaxRetryBackoff: 15 * time.Second,
			DedupTTL:        24 * time.Hour,
		},
		OTel:     otel.Config{ServiceName: "barberloyalty", SampleRatio: 1.0},
	}
}

// Validate checks what serve needs; one-shot commands validate less.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.VAPID.PublicKey == "" || c.VAPID.PrivateKey == "" {
		errs = append(errs, errors.New("vapid.public_key and vapid.private_key are required"))
	}
	if c.VAPID.Subject == "" {
		errs = append(errs, errors.New("vapid.subject is required (mailto: or https: contact)"))
	}
	if c.Loyalty.MinimumTotal < 0 {
		errs = append(errs, errors.New("loyalty.minimum_total must not be negative"))
	}
	// 消费端的重试计数和幂等去重都在 Redis 里
	if c.MQ.URL != "" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when mq.url is set"))
	}
	return errors.Join(errs...)
}
