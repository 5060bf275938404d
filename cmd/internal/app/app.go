// Package app wires the keeper server runtime: config, logging, storage
// backends, HTTP routes, the notice gateway and the cleanup schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"keeper/cmd/internal/auth/api"
	"keeper/cmd/internal/auth/gate"
	"keeper/cmd/internal/auth/session"
	"keeper/cmd/internal/credential"
	"keeper/cmd/internal/notify"
	"keeper/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// credentialStore is what the app needs from either credential backend.
type credentialStore interface {
	session.CredentialStore
	api.AccountRemover
	api.SecondFactorManager
	CreateUser(ctx context.Context, in credential.CreateUserInput) (credential.User, error)
}

type storage struct {
	refresh   session.RefreshTokenStore
	blacklist session.BlacklistStore
	creds     credentialStore
	backend   string
}

// App is the keeper server runtime. It owns the DB pool and Redis client.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	registry *prometheus.Registry
	sessions *session.Service
	gate     *gate.Gate
	auth     *api.Handler
	ws       *notify.Gateway
	cleanup  *cron.Cron

	handler http.Handler
}

// New constructs a fully wired App. Storage is Postgres when
// KEEPER_DATABASE_URL is set and in-memory otherwise; KEEPER_REDIS_URL moves
// the blacklist to Redis.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	issuer, err := session.NewJWTIssuer(sessCfg)
	if err != nil {
		return nil, err
	}

	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	policy, err := credential.LoadPolicyFromEnv()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	st, err := a.openStorage(ctx,
		credential.WithPasswordConfig(pwCfg),
		credential.WithPolicy(policy),
		credential.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := notify.NewHub(log, notify.WithHubMetrics(a.registry))

	a.sessions, err = session.NewService(issuer, st.refresh, st.blacklist, st.creds,
		session.WithLogger(log),
		session.WithMetrics(session.NewMetrics(a.registry)),
		session.WithNotifier(hub),
	)
	if err != nil {
		return nil, err
	}

	a.gate = gate.New(issuer, st.blacklist, gate.WithLogger(log), gate.WithMetrics(a.registry))

	a.auth, err = api.NewHandler(a.sessions, api.LoadConfigFromEnv(),
		api.WithLogger(log),
		api.WithAccounts(st.creds),
		api.WithSecondFactors(st.creds),
	)
	if err != nil {
		return nil, err
	}

	a.ws, err = notify.NewGateway(log, hub, a.sessions, notify.LoadGatewayConfigFromEnv())
	if err != nil {
		return nil, err
	}

	a.cleanup, err = newCleanupScheduler(cfg.CleanupSchedule, a.sessions, log)
	if err != nil {
		return nil, fmt.Errorf("KEEPER_CLEANUP_SCHEDULE: %w", err)
	}

	if err := bootstrapUser(ctx, cfg, st.creds, log); err != nil {
		return nil, err
	}

	a.handler = a.routes()

	log.Info("app.ready", "storage", st.backend, "redis_blacklist", a.redis != nil, "cleanup_schedule", cfg.CleanupSchedule)
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// openStorage decides between Postgres-backed persistence and in-memory dev stores.
func (a *App) openStorage(ctx context.Context, credOpts ...credential.Option) (storage, error) {
	var st storage

	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		st = storage{
			refresh:   session.NewMemoryRefreshStore(),
			blacklist: session.NewMemoryBlacklist(),
			creds:     credential.NewMemoryStore(credOpts...),
			backend:   "memory",
		}
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return storage{}, err
		}
		a.pool = pool
		a.log.Info("db.enabled.postgres_store")

		refresh, err := session.NewPostgresRefreshStore(pool)
		if err != nil {
			return storage{}, err
		}
		blacklist, err := session.NewPostgresBlacklist(pool)
		if err != nil {
			return storage{}, err
		}
		creds, err := credential.NewPostgresStore(pool, credOpts...)
		if err != nil {
			return storage{}, err
		}
		st = storage{refresh: refresh, blacklist: blacklist, creds: creds, backend: "postgres"}
	}

	if a.cfg.RedisURL != "" {
		client, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return storage{}, fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		st.blacklist = session.NewRedisBlacklist(client, a.cfg.RedisKeyPrefix)
		a.log.Info("redis.enabled.blacklist")
	}

	return st, nil
}

// bootstrapUser creates the configured account when it does not exist yet.
func bootstrapUser(ctx context.Context, cfg Config, creds credentialStore, log Logger) error {
	if cfg.BootstrapIdentifier == "" || cfg.BootstrapSecret == "" {
		return nil
	}
	u, err := creds.CreateUser(ctx, credential.CreateUserInput{
		Identifier: cfg.BootstrapIdentifier,
		Secret:     cfg.BootstrapSecret,
		Roles:      cfg.BootstrapRoles,
	})
	switch {
	case errors.Is(err, credential.ErrConflict):
		log.Info("bootstrap.user.exists")
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap user: %w", err)
	}
	log.Info("bootstrap.user.created", "user_id", u.ID)
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	if a.cleanup != nil {
		a.cleanup.Start()
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if a.cleanup != nil {
		select {
		case <-a.cleanup.Stop().Done():
		case <-shutdownCtx.Done():
			a.log.Error("cleanup.stop.timeout")
		}
	}

	a.close()
	a.log.Info("server.stopped")
	return runErr
}

// close releases the DB pool and Redis client.
func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
