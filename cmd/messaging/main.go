package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-delivery/internal/api"
	"github.com/LeventeLantos/whatsapp-delivery/internal/cache"
	"github.com/LeventeLantos/whatsapp-delivery/internal/client"
	"github.com/LeventeLantos/whatsapp-delivery/internal/config"
	"github.com/LeventeLantos/whatsapp-delivery/internal/logging"
	"github.com/LeventeLantos/whatsapp-delivery/internal/metrics"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
	"github.com/LeventeLantos/whatsapp-delivery/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-delivery/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("whatsapp-delivery stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var sent cache.SentCache = cache.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		sent = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	hub := realtime.NewHub(realtime.HubConfig{
		SendBuffer:   cfg.Realtime.SendBuffer,
		PingInterval: cfg.Realtime.PingInterval,
		PongTimeout:  cfg.Realtime.PongTimeout,
	}, logger)
	defer hub.Close()

	// With NATS every instance publishes to the bus and its hub receives
	// from it, so a socket on any instance sees events from all of them.
	var pub realtime.Publisher = hub
	if cfg.Realtime.NATSURL != "" {
		nc, err := nats.Connect(cfg.Realtime.NATSURL, nats.MaxReconnects(cfg.Realtime.NATSMaxReconnects))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		bus := realtime.NewNATSBus(nc, logger)
		if _, err := bus.Bridge(hub); err != nil {
			return fmt.Errorf("nats bridge: %w", err)
		}
		pub = bus
	}

	auth, err := realtime.NewTokenAuth(cfg.Realtime.JWTSecret)
	if err != nil {
		return err
	}

	statuses, err := service.ParseStatusMap(cfg.Provider.StatusMap)
	if err != nil {
		return fmt.Errorf("PROVIDER_STATUS_MAP: %w", err)
	}

	provider := client.NewProviderClient(cfg.Provider.URL, cfg.Provider.Token, cfg.Provider.Timeout)
	dispatcher := service.NewDispatcher(store, provider, sent, pub, service.DispatcherConfig{
		BatchSize:       cfg.Scheduler.BatchSize,
		Workers:         cfg.Scheduler.Workers,
		ClaimTimeout:    cfg.Scheduler.ClaimTimeout,
		ProviderTimeout: cfg.Provider.Timeout,
		Backoff: service.Backoff{
			Base:   cfg.Backoff.Base,
			Max:    cfg.Backoff.Max,
			Jitter: cfg.Backoff.Jitter,
		},
	}, logger)
	sweeper := service.NewSessionSweeper(store, pub, cfg.Scheduler.BatchSize, logger)

	dispatchSched, err := scheduler.New(cfg.Scheduler.Interval, dispatcher.Tick,
		scheduler.WithName("dispatch"),
		scheduler.WithMaxBackoff(cfg.Backoff.Max),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	sessionSched, err := scheduler.New(cfg.Scheduler.SessionSweepInterval, sweeper.Tick,
		scheduler.WithName("session-sweep"),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	h := api.NewHandler(api.Deps{
		Scheduler:   dispatchSched,
		Admission:   service.NewAdmission(store, cfg.Scheduler.MaxAttempts, logger),
		Queue:       store,
		Reconciler:  service.NewReconciler(store, statuses, pub, logger),
		Ingester:    service.NewIngester(store, store, pub, logger),
		Inbox:       service.NewInbox(store, store, pub, logger),
		VerifyToken: cfg.Provider.WebhookVerifyToken,
		AppSecret:   cfg.Provider.AppSecret,
		Realtime:    realtime.NewGateway(hub, auth, logger),
		Metrics:     metrics.Handler(),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           metrics.Middleware(loggingMiddleware(api.Router(h))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		dispatchSched.Start()
		sessionSched.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("whatsapp-delivery listening",
			"addr", cfg.Server.Address,
			"store", cfg.Store.Driver,
			"interval", cfg.Scheduler.Interval,
			"batch", cfg.Scheduler.BatchSize,
			"workers", cfg.Scheduler.Workers,
			"redis", cfg.Redis.Enabled,
			"nats", cfg.Realtime.NATSURL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop waits for the running tick, which lets in-flight dispatches
	// finish their outcome writes.
	dispatchSched.Stop()
	sessionSched.Stop()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (repo.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return repo.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := repo.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Default().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}
