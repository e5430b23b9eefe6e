// Command revback runs the whole platform in one process: the HTTP API, the
// asynq workers, and the periodic scheduler. Horizontal scaling splits the
// same binary across roles by running more replicas; every component is
// stateless between Postgres and Redis.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/revback/revback/pkg/api"
	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/backfill"
	"github.com/revback/revback/pkg/breaker"
	"github.com/revback/revback/pkg/config"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/dispatch"
	"github.com/revback/revback/pkg/entitlement"
	"github.com/revback/revback/pkg/identity"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/pipeline"
	"github.com/revback/revback/pkg/providers"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/ratelimit"
	"github.com/revback/revback/pkg/schedule"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("revback exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	asynqOpt := asynq.RedisClientOpt{Addr: redisOpt.Addr, Password: redisOpt.Password, DB: redisOpt.DB}

	box, err := secrets.NewBox(cfg.CredentialKey, cfg.CredentialKeyPrevious)
	if err != nil {
		return err
	}

	orgs := store.NewOrgStore(db)
	keys := store.NewAPIKeyStore(db)
	connections := store.NewConnectionStore(db)
	webhookLogs := store.NewWebhookLogStore(db)
	events := store.NewEventStore(db)
	users := store.NewUserStore(db)
	entitlements := store.NewEntitlementStore(db)
	products := store.NewProductStore(db)
	issues := store.NewIssueStore(db)
	alerts := store.NewAlertStore(db)
	scanRuns := store.NewScanRunStore(db)
	checks := store.NewAccessCheckStore(db)
	audits := store.NewAuditStore(db)

	recorder := audit.NewRecorder(audits, log)
	caller := providers.NewCaller(ratelimit.New(rdb), breaker.NewRegistry())
	enricher := providers.NewPlayEnrichment(connections, box, caller)

	appleNorm := normalize.NewApple(log, nil)
	normalizers := normalize.NewRegistry(
		normalize.NewStripe(log),
		appleNorm,
		normalize.NewGoogle(log, nil, enricher),
		normalize.NewRecurly(log),
	)

	tasks := queue.NewClient(asynqOpt)
	defer func() { _ = tasks.Close() }()
	monitor := queue.NewMonitor(asynqOpt)

	dispatcher := dispatch.NewDispatcher(alerts, issues, tasks, dispatch.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     smtpPort(cfg),
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
	}, log)
	deliverer := dispatch.NewDeliverer(alerts, cfg.Production(), log)
	appleProxy := dispatch.NewAppleProxy(log)

	detectRegistry := detect.NewRegistry(detect.Deps{
		Events:       events,
		Entitlements: entitlements,
		Users:        users,
		Connections:  connections,
		AccessChecks: checks,
	})
	detector := detect.NewEngine(detectRegistry, issues, dispatcher.Notifier(), log)
	resolver := identity.NewResolver(users, recorder, log)
	entEngine := entitlement.NewEngine(entitlements, log)

	pipe := pipeline.New(connections, webhookLogs, events, products,
		normalizers, resolver, entEngine, detector, box, log)
	backfills := backfill.NewRunner(connections, events, box, pipe, caller, appleNorm, rdb, log)

	worker := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency:    20,
		Queues:         contracts.AllQueues,
		RetryDelayFunc: queue.RetryDelay,
	})
	handlers := schedule.NewHandlers(pipe, webhookLogs, events, scanRuns,
		detector, dispatcher, deliverer, backfills, log)

	manager, err := schedule.NewManager(asynqOpt, schedule.NewProvider(connections, detectRegistry, log))
	if err != nil {
		return err
	}

	apiServer := api.NewServer(api.Deps{
		Orgs:         orgs,
		Keys:         keys,
		Connections:  connections,
		WebhookLogs:  webhookLogs,
		Events:       events,
		Users:        users,
		Entitlements: entitlements,
		Issues:       issues,
		Alerts:       alerts,
		Scans:        scanRuns,
		Checks:       checks,
		Normalizers:  normalizers,
		Detectors:    detectRegistry,
		Box:          box,
		Tasks:        tasks,
		Monitor:      monitor,
		Backfills:    backfills,
		Dispatcher:   dispatcher,
		Deliverer:    deliverer,
		AppleProxy:   appleProxy,
		Caller:       caller,
		Audit:        recorder,
		Production:   cfg.Production(),
		Log:          log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 3)
	go func() {
		log.Info("http listening", "addr", httpServer.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info("workers starting", "queues", len(contracts.AllQueues))
		if err := worker.Run(handlers.Mux()); err != nil {
			errc <- err
		}
	}()
	go func() {
		log.Info("scheduler starting")
		if err := manager.Run(); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	manager.Shutdown()
	worker.Shutdown()
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func smtpPort(cfg *config.Config) string {
	if cfg.SMTPPort == 0 {
		return "587"
	}
	return strconv.Itoa(cfg.SMTPPort)
}
