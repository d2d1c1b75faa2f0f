// Package app wires the Tandem session server runtime: config, logging, the
// REST management surface, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tandem/internal/audit"
	"tandem/internal/docstore"
	"tandem/internal/perm"
	"tandem/internal/presence"
	"tandem/internal/ratelimit"
	"tandem/internal/realtime"
	"tandem/internal/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the server runtime: it owns HTTP wiring and the lifecycles of the
// session-core components.
type App struct {
	cfg Config
	log Logger

	docs      docstore.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	tokens token.Service
	perms  *perm.Registry
	limits *ratelimit.Registry
	hub    *presence.Hub
	audit  *audit.Async

	ws  *realtime.Gateway
	api *API
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	docs, dbPool, dbEnabled, err := newDocStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	tokCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		closeStore(docs, dbPool)
		return nil, err
	}
	tokens, err := token.NewPasetoV4Service(tokCfg, log)
	if err != nil {
		closeStore(docs, dbPool)
		return nil, err
	}

	perms := perm.NewRegistry(docs, docs, perm.ParseDefaultPolicy(cfg.DefaultPolicy))
	limits := ratelimit.NewRegistry(ratelimit.LoadConfigFromEnv())
	hub := presence.NewHub(log)

	var writer audit.Writer = audit.LogWriter{Log: log}
	if dbEnabled && cfg.AuditToDB {
		writer = audit.PGWriter{Pool: dbPool, Schema: cfg.DBSchema}
	}
	sink := audit.NewAsync(log, writer, cfg.AuditQueueSize)

	ws := realtime.NewGateway(log, realtime.Deps{
		Tokens: tokens,
		Perms:  perms,
		Limits: limits,
		Hub:    hub,
		Docs:   docs,
		Audit:  sink,
	})

	api := NewAPI(log, cfg, tokens, perms, docs, hub, sink)

	return &App{
		cfg:       cfg,
		log:       log,
		docs:      docs,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		tokens:    tokens,
		perms:     perms,
		limits:    limits,
		hub:       hub,
		audit:     sink,
		ws:        ws,
		api:       api,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	// Idle rate-limit buckets are garbage-collected in the background so
	// one-off subjects do not accumulate.
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				if n := a.limits.Sweep(time.Now().UTC()); n > 0 {
					a.log.Debug("ratelimit.sweep", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.audit.Close(shutdownCtx); err != nil {
		a.log.Error("audit.close.fail", "err", err)
	}

	closeStore(a.docs, a.dbPool)

	a.log.Info("server.stopped")
	return nil
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

// newDocStore decides between Postgres-backed persistence and the in-memory
// dev store.
func newDocStore(ctx context.Context, cfg Config, log Logger) (docstore.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return docstore.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := docstore.NewPostgresStore(pool, docstore.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// closeStore releases store resources. The pool is owned here; the store's
// own Close is a no-op for the Postgres implementation.
func closeStore(docs docstore.Store, pool *pgxpool.Pool) {
	if docs != nil {
		_ = docs.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
