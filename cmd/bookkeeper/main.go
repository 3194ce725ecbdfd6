// Bookkeeper: multi-tenant authentication and tenancy API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/d9705996/bookkeeper/internal/account"
	"github.com/d9705996/bookkeeper/internal/api"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/config"
	"github.com/d9705996/bookkeeper/internal/db"
	"github.com/d9705996/bookkeeper/internal/health"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/mailer"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/observability"
	"github.com/d9705996/bookkeeper/internal/seed"
	"github.com/d9705996/bookkeeper/internal/signup"
	"github.com/d9705996/bookkeeper/internal/store"
	"github.com/d9705996/bookkeeper/internal/tenant"
	"github.com/d9705996/bookkeeper/internal/version"
	"github.com/d9705996/bookkeeper/internal/worker"
)

const notifyBuffer = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "bookkeeper",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting bookkeeper", "version", version.String(), "db_driver", cfg.DB.Driver)

	// --- Database ------------------------------------------------------------
	st, pool, err := openStore(ctx, &cfg.DB)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()
	if pool != nil {
		defer pool.Close()
	}
	log.Info("database ready", "driver", cfg.DB.Driver)

	if _, err := seed.EnsureAdmin(ctx, st, seed.AdminOptions{
		Email:    cfg.App.SeedAdminEmail,
		Password: cfg.App.SeedAdminPassword,
		Out:      os.Stdout,
	}, log); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// --- Tokens and services -------------------------------------------------
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     cfg.JWT.Secret,
		Algorithm:  cfg.JWT.Algorithm,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	ledger := auth.NewLedger(st, tokens)
	accounts := account.New(st, ledger, log)

	// --- Notifications -------------------------------------------------------
	events := notify.NewRegistry(notifyBuffer, log)
	defer events.Close()
	var publisher notify.Publisher = events

	healthHandler := health.New(st, log)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		broker := notify.NewRedisBroker(rdb, events, log)
		publisher = broker
		healthHandler.AddCheck("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		go func() {
			if err := broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("notification broker stopped", "error", err)
			}
		}()
		log.Info("notification fan-out via redis", "addr", cfg.Redis.Addr)
	}

	// --- Worker queue --------------------------------------------------------
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}
	wq, err := worker.New(pool, cfg.DB.Driver, cfg.Worker.Concurrency, worker.Deps{
		Mailer:   mailer.NewLogMailer(log),
		Ledger:   ledger,
		SiteName: cfg.App.SiteName,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "error", err)
		}
	}()

	signups := signup.New(st, wq, accounts, signup.WithCodeTTL(cfg.App.SignupOTPTTL), signup.WithLogger(log))
	invites := invite.NewGuard(st, invite.Config{
		TTL:           cfg.App.InviteTTL,
		AcceptBaseURL: strings.TrimRight(cfg.HTTP.PublicBaseURL, "/") + "/invite/accept",
	}, invite.WithSender(wq), invite.WithPublisher(publisher), invite.WithLogger(log))

	// --- HTTP ----------------------------------------------------------------
	router := api.NewRouter(api.Deps{
		Log:            log,
		Tokens:         tokens,
		Accounts:       accounts,
		Signup:         signups,
		Invites:        invites,
		Tenant:         tenant.New(st, nil),
		Events:         events,
		Health:         healthHandler,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays zero for the notification stream; other routes
		// are bounded by the router's timeout middleware.
	}

	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// Open streams would hold Shutdown until its deadline.
	events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}

// openStore opens the configured backend. The pool is non-nil only for
// postgres.
func openStore(ctx context.Context, cfg *config.DBConfig) (store.Store, *pgxpool.Pool, error) {
	if cfg.Driver == "mongo" {
		ms, err := store.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo: %w", err)
		}
		return ms, nil, nil
	}
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if conn.Pool != nil {
		slog.InfoContext(ctx, "schema migrated", "table", db.MigrationsTable, "version", conn.SchemaVersion)
	}
	return store.NewGorm(conn.Gorm), conn.Pool, nil
}
