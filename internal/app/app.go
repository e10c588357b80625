// Package app is the orchestrator that ties all server components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pryv/open-pryv.io-sub006/internal/api"
	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/cache"
	"github.com/pryv/open-pryv.io-sub006/internal/config"
	"github.com/pryv/open-pryv.io-sub006/internal/mall"
	"github.com/pryv/open-pryv.io-sub006/internal/methods"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
	"github.com/pryv/open-pryv.io-sub006/internal/synchro"
	"github.com/pryv/open-pryv.io-sub006/internal/systemstreams"
)

const sessionSweepInterval = 10 * time.Minute

// App is the main server process.
type App struct {
	cfg        *config.Config
	db         storage.Database
	accounts   *storage.UserAccountStorage
	auditStore *audit.Store
	recorder   *audit.Recorder
	synchro    *synchro.Synchro
	cache      *cache.Cache
	api        *api.Server
	logger     *slog.Logger
}

// New creates the server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := storage.New(storage.Options{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	accounts, err := storage.NewUserAccountStorage(cfg.Storage.AccountDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init account storage: %w", err)
	}

	if err := os.MkdirAll(cfg.Server.AttachmentsRoot, 0o755); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init attachments dir: %w", err)
	}

	var sync *synchro.Synchro
	var bus cache.Publisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sync = synchro.New(client, logger)
		bus = sync
	}
	c := cache.New(bus)

	locks := storage.NewKeyedLocks()
	m := mall.New(mall.NewLocalStore(db, locks))

	recorder := audit.NewRecorder(logger)
	filter := audit.NewFilter(cfg.Audit.Include, cfg.Audit.Exclude)

	var auditStore *audit.Store
	if cfg.Audit.StorageEnabled {
		auditStore, err = audit.NewStore(cfg.Storage.AuditDir)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init audit storage: %w", err)
		}
		if err := m.Register(auditStore); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("register audit store: %w", err)
		}
		recorder.AddSink(auditStore, filter)
	}
	if cfg.Audit.SyslogEnabled {
		w, err := audit.NewSystemLineWriter("pryv")
		if err != nil {
			logger.Warn("syslog unavailable, audit syslog sink disabled", "error", err)
		} else {
			sink := audit.NewSyslogSink(w, audit.SyslogConfig{
				Template: cfg.Audit.SyslogTemplate,
				Severity: cfg.Audit.SyslogSeverity,
			})
			recorder.AddSink(sink, filter)
		}
	}

	deps := &methods.Deps{
		Log:      logger,
		DB:       db,
		Accounts: accounts,
		Mall:     m,
		Cache:    c,
		System:   systemstreams.NewRepository(db, accounts),
		Locks:    locks,
		Audit:    recorder,
		Settings: methods.Settings{
			TrustedApps:           cfg.Auth.TrustedApps,
			SessionTTLSeconds:     cfg.Auth.SessionTTLSeconds,
			PasswordHistoryLength: cfg.Auth.PasswordHistoryLength,
			APIHost:               cfg.Server.APIHost,
		},
	}
	register := methods.NewRegister(deps)

	apiSrv := api.NewServer(register, deps, api.Config{
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
		AttachmentsRoot:      cfg.Server.AttachmentsRoot,
		SubdomainIgnorePaths: cfg.Server.SubdomainIgnorePaths,
	}, logger)

	return &App{
		cfg:        cfg,
		db:         db,
		accounts:   accounts,
		auditStore: auditStore,
		recorder:   recorder,
		synchro:    sync,
		cache:      c,
		api:        apiSrv,
		logger:     logger.With("component", "app"),
	}, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if a.synchro != nil {
		if err := a.synchro.Start(ctx, a.cache.Apply); err != nil {
			a.close()
			return fmt.Errorf("start synchro: %w", err)
		}
	}

	go a.runSessionSweeper(ctx)

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.close()
		return err
	}
}

func (a *App) close() {
	if a.synchro != nil {
		if err := a.synchro.Close(); err != nil {
			a.logger.Warn("synchro close failed", "error", err)
		}
	}
	if err := a.recorder.Close(); err != nil {
		a.logger.Warn("audit close failed", "error", err)
	}
	if err := a.accounts.Close(); err != nil {
		a.logger.Warn("account storage close failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("storage close failed", "error", err)
	}
}

// runSessionSweeper periodically removes expired personal sessions.
func (a *App) runSessionSweeper(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.db.DeleteExpiredSessions(ctx, storage.NowSeconds())
			if err != nil {
				a.logger.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				a.logger.Info("session sweep: removed expired sessions", "count", n)
			}
		}
	}
}
