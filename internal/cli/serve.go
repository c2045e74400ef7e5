package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"barberloyalty/config"
	mqcontracts "barberloyalty/contracts/mq"
	"barberloyalty/internal/dispatch"
	"barberloyalty/internal/httpserver"
	"barberloyalty/internal/loyalty"
	"barberloyalty/internal/mqhandler"
	"barberloyalty/internal/preference"
	"barberloyalty/internal/push"
	"barberloyalty/internal/reminder"
	"barberloyalty/internal/repository"
	"barberloyalty/internal/scheduler"
	"barberloyalty/internal/vapid"
	"barberloyalty/migrations"
	"barberloyalty/pkg/db"
	"barberloyalty/pkg/errtrack"
	"barberloyalty/pkg/mq"
	"barberloyalty/pkg/otel"
	"barberloyalty/pkg/outbox"
	"barberloyalty/pkg/redis"
	"barberloyalty/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type ServeOptions struct {
	*RootOptions
	Migrate bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher, consumer and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	flushSentry, err := errtrack.Init(cfg.Sentry, log)
	if err != nil {
		return err
	}
	defer flushSentry()

	shutdownOTel, err := otel.Init(cfg.OTel, log)
	if err != nil {
		return err
	}
	defer shutdownOTel()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting barberloyalty...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.Bool("mq_enabled", cfg.MQ.URL != ""),
		zap.Bool("redis_enabled", cfg.Redis.Addr != ""),
	)

	// DB
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if opts.Migrate {
		if err := migrations.Up(ctx, db.StdDB(pool)); err != nil {
			return err
		}
		log.Info("Database migrations applied")
	}

	// Redis（可选）
	rdb, err := redis.NewRedisClient(cfg.Redis, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	deduper := util.NewDeduper(rdb, cfg.Consumer.DedupTTL, log)

	keys, err := vapid.FromRaw(cfg.VAPID.PublicKey, cfg.VAPID.PrivateKey)
	if err != nil {
		return err
	}

	// Repositories
	bookings := repository.NewBookingRepository(pool, cfg.Store.Timeout)
	customers := repository.NewCustomerRepository(pool, cfg.Store.Timeout)
	ledger := repository.NewLoyaltyRepository(pool, cfg.Store.Timeout, log)
	subscriptions := repository.NewSubscriptionRepository(pool, cfg.Store.Timeout)
	history := repository.NewHistoryRepository(pool, cfg.Store.Timeout)
	preferences := repository.NewPreferenceRepository(pool, cfg.Store.Timeout)
	outboxRepo := outbox.NewRepository(pool)

	// Services
	pusher := push.NewService(keys, pushConfig(cfg), nil, log)
	filter := preference.NewFilter(preferences, cfg.Push.PreferenceCacheTTL)
	dispatcher := dispatch.NewDispatcher(subscriptions, history, pusher, filter, dispatch.Config{
		Concurrency:  cfg.Push.Concurrency,
		TTLSeconds:   cfg.Push.TTLSeconds,
		DefaultIcon:  cfg.Push.DefaultIcon,
		DefaultBadge: cfg.Push.DefaultBadge,
	}, log)
	engine := loyalty.NewEngine(bookings, ledger, customers, deduper, cfg.Loyalty, log)
	reminders := reminder.NewService(bookings, customers, dispatcher, cfg.Reminders, log)

	creditedHandler := mqhandler.NewLoyaltyCreditedHandler(dispatcher, deduper, log)

	g, gctx := errgroup.WithContext(ctx)

	// 有 MQ 时走 RabbitMQ，否则进程内直接投递
	var publisher outbox.Publisher
	readyChecks := map[string]httpserver.ReadyCheck{
		"db": func(ctx context.Context) error { return pool.Ping(ctx) },
	}
	if rdb != nil {
		readyChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	if cfg.MQ.URL != "" {
		mqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer mqPublisher.Close()
		publisher = mqPublisher

		consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Queue, mqcontracts.RoutingKeyLoyaltyCredited, mq.ConsumerOptions{
			MaxRetries:      cfg.Consumer.MaxRetries,
			RetryCounter:    util.NewRetryCounter(rdb, cfg.Consumer.RetryTTL),
			RetryBackoff:    cfg.Consumer.RetryBackoff,
			MaxRetryBackoff: cfg.Consumer.MaxRetryBackoff,
		}, log)
		if err != nil {
			return err
		}
		defer consumer.Close()
		consumer.SetHandler(creditedHandler.Handle)

		readyChecks["mq"] = func(context.Context) error {
			if !mqPublisher.IsConnected() || !consumer.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}

		g.Go(func() error {
			log.Info("Starting loyalty.credited consumer...", zap.String("queue", cfg.MQ.Queue))
			return consumer.Start(gctx)
		})
	} else {
		local := outbox.NewLocalPublisher()
		local.Register(mqcontracts.RoutingKeyLoyaltyCredited, creditedHandler.Handle)
		publisher = local
		log.Info("MQ url not configured, delivering outbox events in-process")
	}

	outboxDispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	replay := outbox.NewReplayService(outboxRepo, publisher, log)

	g.Go(func() error {
		outboxDispatcher.Start(gctx)
		return nil
	})

	// Scheduled jobs
	sched := scheduler.New(deduper, log)
	sched.Add(scheduler.Job{
		Name:       "loyalty_sweep",
		Interval:   engine.Config().SweepInterval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := engine.Sweep(ctx)
			return err
		},
	})
	if rc := reminders.Config(); rc.Enabled {
		sched.Add(scheduler.Job{
			Name:     "booking_reminders",
			Interval: rc.Interval,
			Run: func(ctx context.Context) error {
				_, err := reminders.SendBookingReminders(ctx)
				return err
			},
		})
		sched.Add(scheduler.Job{
			Name:     "inactivity_reminders",
			Interval: rc.InactivityInterval,
			Run: func(ctx context.Context) error {
				_, err := reminders.SendInactivityReminders(ctx)
				return err
			},
		})
	}
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	// HTTP
	gin.SetMode(cfg.Server.Mode)
	router := httpserver.NewRouter(httpserver.Handlers{
		Loyalty:      httpserver.NewLoyaltyHandler(engine, ledger, log),
		Notification: httpserver.NewNotificationHandler(dispatcher, history, log),
		Push:         httpserver.NewPushHandler(subscriptions, preferences, filter, keys.PublicKey(), log),
		Admin:        httpserver.NewAdminHandler(replay, log),
	}, cfg.JWT.Secret, readyChecks, log)
	srv := router.Server(":"+cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("barberloyalty is fully initialized and running")

	if err := g.Wait(); err != nil {
		log.Error("barberloyalty stopped with error", zap.Error(err))
		return err
	}
	log.Info("barberloyalty shutdown complete")
	return nil
}

func pushConfig(cfg *config.Config) push.Config {
	return push.Config{
		Subscriber:    cfg.VAPID.Subject,
		Timeout:       cfg.Push.Timeout,
		RatePerSecond: cfg.Push.RatePerSecond,
		Burst:         cfg.Push.Burst,
		Breaker:       cfg.Push.Breaker,
	}
}
