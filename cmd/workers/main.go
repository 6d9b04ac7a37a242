// The workers binary runs the loyalty background dispatchers: webhook
// outbox delivery, notification fan-out, communication campaign tasks, and
// the ops health monitor. Replicas coordinate through postgres advisory
// locks, so running several copies is safe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bxcodec/dbresolver/v2"

	"github.com/kh827y/dhtreh-dispatch/alerts"
	"github.com/kh827y/dhtreh-dispatch/comms"
	commspg "github.com/kh827y/dhtreh-dispatch/comms/postgres"
	"github.com/kh827y/dhtreh-dispatch/config"
	"github.com/kh827y/dhtreh-dispatch/health"
	"github.com/kh827y/dhtreh-dispatch/log"
	"github.com/kh827y/dhtreh-dispatch/notify"
	"github.com/kh827y/dhtreh-dispatch/outbox"
	outboxpg "github.com/kh827y/dhtreh-dispatch/outbox/postgres"
	"github.com/kh827y/dhtreh-dispatch/postgres"
	"github.com/kh827y/dhtreh-dispatch/scheduler"
	"github.com/kh827y/dhtreh-dispatch/zap"
)

const (
	jobOutbox = "outbox-dispatch"
	jobNotify = "notify-dispatch"
	jobComms  = "comms-dispatch"
	jobHealth = "health-monitor"

	reasonDisabled = "disabled by configuration"

	stopTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, _, err := zap.New(zap.Config{
		Environment: zap.Environment(cfg.EnvName),
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := &postgres.Connection{
		ConnectionStringPrimary: cfg.DBPrimaryDSN,
		ConnectionStringReplica: cfg.DBReplicaDSN,
		PrimaryDBName:           cfg.DBName,
		MigrationsPath:          cfg.MigrationsPath,
		Logger:                  logger,
		MaxOpenConnections:      cfg.DBMaxOpenConns,
		MaxIdleConnections:      cfg.DBMaxIdleConns,
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	db, err := conn.GetDB(ctx)
	if err != nil {
		return err
	}

	queueRepo, err := outboxpg.NewRepository(db, outboxpg.WithLogger(logger))
	if err != nil {
		return err
	}

	endpoints, err := outboxpg.NewEndpointStore(db)
	if err != nil {
		return err
	}

	alertService, err := buildAlerts(cfg, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(logger)

	if err := registerOutboxJob(sched, conn, cfg, queueRepo, endpoints, logger); err != nil {
		return err
	}

	if err := registerNotifyJob(sched, conn, cfg, queueRepo, logger); err != nil {
		return err
	}

	if err := registerCommsJob(sched, conn, cfg, db, logger); err != nil {
		return err
	}

	if err := registerHealthJob(sched, conn, cfg, queueRepo, alertService, logger); err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Log(ctx, log.LevelInfo, "dispatch workers running",
		log.String("environment", cfg.EnvName))

	<-ctx.Done()

	logger.Log(context.Background(), log.LevelInfo, "shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	return sched.Stop(stopCtx)
}

func buildAlerts(cfg config.Config, logger log.Logger) (*alerts.Service, error) {
	var notifier alerts.Notifier

	if cfg.AlertWebhookURL != "" {
		webhook, err := alerts.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookTimeout)
		if err != nil {
			return nil, err
		}

		notifier = webhook
	}

	return alerts.NewService(notifier, logger), nil
}

func registerOutboxJob(
	sched *scheduler.Scheduler,
	conn *postgres.Connection,
	cfg config.Config,
	queueRepo outbox.Repository,
	endpoints *outboxpg.EndpointStore,
	logger log.Logger,
) error {
	if !cfg.OutboxEnabled {
		return registerLockedJob(sched, conn, jobOutbox, cfg.OutboxInterval, false, reasonDisabled, nil)
	}

	dispatcher, err := outbox.NewDispatcher(queueRepo, endpoints, logger, nil,
		outbox.WithDispatchInterval(cfg.OutboxInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithBackoff(cfg.OutboxBackoffBase, cfg.OutboxBackoffCap),
		outbox.WithStaleAfter(cfg.OutboxStaleAfter),
		outbox.WithDeliveryTimeout(cfg.OutboxDeliveryTimeout),
		outbox.WithCircuit(cfg.CircuitThreshold, cfg.CircuitWindow, cfg.CircuitCooldown),
		outbox.WithAutoPause(cfg.AutoPauseDuration),
		outbox.WithConcurrency(cfg.OutboxConcurrency, cfg.ConcurrencyOverrides()),
		outbox.WithTenantRPS(cfg.OutboxTenantRPS, cfg.TenantRPSOverrides()),
		outbox.WithPauser(endpoints),
	)
	if err != nil {
		return err
	}

	return registerLockedJob(sched, conn, jobOutbox, cfg.OutboxInterval, true, "", func(ctx context.Context) bool {
		result := dispatcher.DispatchOnce(ctx)

		return result.Processed > 0 || result.Reclaimed > 0
	})
}

func registerNotifyJob(
	sched *scheduler.Scheduler,
	conn *postgres.Connection,
	cfg config.Config,
	queueRepo outbox.Repository,
	logger log.Logger,
) error {
	if !cfg.NotifyEnabled {
		return registerLockedJob(sched, conn, jobNotify, cfg.NotifyInterval, false, reasonDisabled, nil)
	}

	if cfg.PushGatewayURL == "" || cfg.EmailGatewayURL == "" {
		return registerLockedJob(sched, conn, jobNotify, cfg.NotifyInterval, false,
			"push or email gateway not configured", nil)
	}

	push := &pushGateway{gateway: newGatewayClient(cfg.PushGatewayURL, cfg.GatewayTimeout)}
	email := &emailGateway{gateway: newGatewayClient(cfg.EmailGatewayURL, cfg.GatewayTimeout)}

	opts := []notify.Option{
		notify.WithDispatchInterval(cfg.NotifyInterval),
		notify.WithBatchSize(cfg.NotifyBatchSize),
		notify.WithMaxRetries(cfg.NotifyMaxRetries),
		notify.WithTenantRPS(cfg.NotifyTenantRPS),
	}

	if cfg.AudienceAPIURL != "" {
		resolver := &audienceClient{gateway: newGatewayClient(cfg.AudienceAPIURL, cfg.GatewayTimeout)}
		opts = append(opts, notify.WithSegmentResolver(resolver))
	}

	dispatcher, err := notify.NewDispatcher(queueRepo, push, email, logger, nil, opts...)
	if err != nil {
		return err
	}

	return registerLockedJob(sched, conn, jobNotify, cfg.NotifyInterval, true, "", func(ctx context.Context) bool {
		result := dispatcher.DispatchOnce(ctx)

		return result.Processed > 0
	})
}

func registerCommsJob(
	sched *scheduler.Scheduler,
	conn *postgres.Connection,
	cfg config.Config,
	db dbresolver.DB,
	logger log.Logger,
) error {
	if !cfg.CommsEnabled {
		return registerLockedJob(sched, conn, jobComms, cfg.CommsInterval, false, reasonDisabled, nil)
	}

	if cfg.AudienceAPIURL == "" {
		return registerLockedJob(sched, conn, jobComms, cfg.CommsInterval, false,
			"audience api not configured", nil)
	}

	senders := make(map[string]comms.Sender)

	if cfg.TelegramGatewayURL != "" {
		senders[comms.ChannelTelegram] = &telegramGateway{gateway: newGatewayClient(cfg.TelegramGatewayURL, cfg.GatewayTimeout)}
	}

	if cfg.PushGatewayURL != "" {
		senders[comms.ChannelPush] = &pushGateway{gateway: newGatewayClient(cfg.PushGatewayURL, cfg.GatewayTimeout)}
	}

	if len(senders) == 0 {
		return registerLockedJob(sched, conn, jobComms, cfg.CommsInterval, false,
			"no channel gateway configured", nil)
	}

	taskRepo, err := commspg.NewTaskRepository(db, logger)
	if err != nil {
		return err
	}

	recipientRepo, err := commspg.NewRecipientRepository(db, logger)
	if err != nil {
		return err
	}

	resolver := &audienceClient{gateway: newGatewayClient(cfg.AudienceAPIURL, cfg.GatewayTimeout)}

	dispatcher, err := comms.NewDispatcher(taskRepo, recipientRepo, resolver, senders, logger, nil,
		comms.WithDispatchInterval(cfg.CommsInterval),
		comms.WithBatchSize(cfg.CommsBatchSize),
		comms.WithMaxAttempts(cfg.CommsMaxAttempts),
		comms.WithRetryDelay(cfg.CommsRetryDelay),
		comms.WithStaleAfter(cfg.CommsStaleAfter),
		comms.WithPageSize(cfg.CommsPageSize),
		comms.WithSendConcurrency(cfg.CommsSendConcurrency),
	)
	if err != nil {
		return err
	}

	return registerLockedJob(sched, conn, jobComms, cfg.CommsInterval, true, "", func(ctx context.Context) bool {
		result := dispatcher.DispatchOnce(ctx)

		return result.Started > 0 || result.Requeued > 0 || result.StaleRequeued > 0
	})
}

func registerHealthJob(
	sched *scheduler.Scheduler,
	conn *postgres.Connection,
	cfg config.Config,
	queueRepo outbox.Repository,
	alertService *alerts.Service,
	logger log.Logger,
) error {
	if !cfg.HealthEnabled {
		return registerLockedJob(sched, conn, jobHealth, cfg.HealthInterval, false, reasonDisabled, nil)
	}

	monitor := health.NewMonitor(sched, queueRepo, alertService, logger,
		health.WithConfig(health.Config{
			CheckInterval:             cfg.HealthInterval,
			WarmUp:                    cfg.HealthWarmUp,
			GlobalStaleThreshold:      cfg.HealthStaleAfter,
			PendingBacklogThreshold:   cfg.BacklogThreshold,
			DeadLetterThreshold:       cfg.DeadThreshold,
			FiveXXPerMinThreshold:     float64(cfg.FiveXXPerMin),
			SlowPerMinThreshold:       float64(cfg.SlowPerMin),
			DeadGrowthPerMinThreshold: float64(cfg.DeadGrowthPerMin),
		}))

	return registerLockedJob(sched, conn, jobHealth, cfg.HealthInterval, true, "", func(ctx context.Context) bool {
		monitor.CheckOnce(ctx)

		return true
	})
}

// registerLockedJob registers a job whose tick runs only while holding the
// job's advisory lock, so one replica at a time drives each worker. The
// tick reports whether it made progress.
func registerLockedJob(
	sched *scheduler.Scheduler,
	conn *postgres.Connection,
	name string,
	interval time.Duration,
	expected bool,
	reason string,
	tick func(ctx context.Context) bool,
) error {
	if tick == nil {
		tick = func(context.Context) bool { return false }
	}

	_, err := sched.Register(scheduler.Job{
		Name:     name,
		Interval: interval,
		Expected: expected,
		Reason:   reason,
		Run: func(ctx context.Context, status *scheduler.Status) error {
			lock, ok := postgres.TryAdvisoryLock(ctx, conn.Primary(), name)
			if !ok {
				status.MarkLockMiss()

				return nil
			}

			defer lock.Release(ctx)

			if tick(ctx) {
				status.MarkProgress()
			}

			return nil
		},
	})

	return err
}
