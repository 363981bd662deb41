// Package backend assembles the remote store and the identity
// collaborator selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nagesh-bhagelli/xpense/internal/config"
	"github.com/nagesh-bhagelli/xpense/internal/infra/localauth"
	"github.com/nagesh-bhagelli/xpense/internal/infra/memstore"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/infra/resilience"
	"github.com/nagesh-bhagelli/xpense/internal/infra/sqlstore"
	"github.com/nagesh-bhagelli/xpense/internal/infra/supabase"
	"github.com/nagesh-bhagelli/xpense/internal/port"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Probe checks one dependency of the backend.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Result is an assembled backend. Cleanup releases its resources and is
// safe to call once.
type Result struct {
	Store    port.RemoteStore
	Identity port.Authenticator
	Probes   []Probe
	Cleanup  func()
}

// New builds the backend named by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*Result, error) {
	switch cfg.StoreBackend {
	case config.BackendSupabase:
		return newSupabase(ctx, cfg, metrics, logger)
	case config.BackendPostgres, config.BackendSQLite:
		return newSQL(ctx, cfg, metrics, logger)
	case config.BackendMemory:
		return newMemory(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

func newSupabase(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*Result, error) {
	rcfg := resilience.Config{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxConcurrency:    cfg.MaxConcurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
	cb := resilience.NewCircuitBreaker("supabase", logger)
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	client := supabase.NewClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey, cb, rcfg, metrics, logger)
	authn := supabase.NewAuth(client, cfg.SupabaseJWTSecret, logger)
	client.SetTokenSource(authn)

	if cfg.SupabaseRefreshToken != "" {
		if err := authn.Restore(ctx, cfg.SupabaseRefreshToken); err != nil {
			logger.Warn("supabase: could not restore persisted session", zap.Error(err))
		}
	}
	if err := authn.StartRefresher(cfg.SessionRefreshSchedule); err != nil {
		return nil, err
	}

	logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
	return &Result{
		Store:    supabase.NewStore(client),
		Identity: authn,
		Probes: []Probe{{
			Name: "supabase",
			Check: func(context.Context) error {
				if cb.State() == gobreaker.StateOpen {
					return errors.New("circuit breaker open")
				}
				return nil
			},
		}},
		Cleanup: authn.Stop,
	}, nil
}

func newSQL(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*Result, error) {
	dialect, err := sqlstore.ParseDialect(cfg.StoreBackend)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN()

	if cfg.AutoMigrate {
		if err := sqlstore.Migrate(dialect, dsn, logger); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	store, err := sqlstore.Open(ctx, dialect, dsn, metrics, logger)
	if err != nil {
		return nil, err
	}

	authn, err := localIdentity(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Result{
		Store:    store,
		Identity: authn,
		Probes:   []Probe{{Name: string(dialect), Check: store.Ping}},
		Cleanup: func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlstore: close failed", zap.Error(err))
			}
		},
	}, nil
}

func newMemory(cfg *config.Config, logger *zap.Logger) (*Result, error) {
	authn, err := localIdentity(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Warn("using in-memory backend, records are lost on exit")
	return &Result{
		Store:    memstore.New(),
		Identity: authn,
		Cleanup:  func() {},
	}, nil
}

// localIdentity seeds the configured account. With auto sign-in and no
// password the account gets a random one and is only reachable through
// the restored session.
func localIdentity(cfg *config.Config, logger *zap.Logger) (*localauth.Authenticator, error) {
	authn := localauth.New(logger)

	password := cfg.LocalUserPassword
	if password == "" {
		if !cfg.LocalAutoSignIn {
			return authn, nil
		}
		password = uuid.NewString()
	}

	p, err := authn.AddAccount(cfg.LocalUserID, cfg.LocalUserEmail, password)
	if err != nil {
		return nil, fmt.Errorf("seed local account: %w", err)
	}
	logger.Info("local account ready", zap.String("user_id", p.ID), zap.String("email", p.Email))

	if cfg.LocalAutoSignIn {
		if err := authn.Restore(p.Email); err != nil {
			return nil, err
		}
	}
	return authn, nil
}
