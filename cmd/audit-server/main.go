// Command audit-server serves the audit query and compliance API over the
// configured storage backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	audit "github.com/lexledger/auditchain"
	"github.com/lexledger/auditchain/chiware"
	"github.com/lexledger/auditchain/internal/config"
	"github.com/lexledger/auditchain/pgxaudit"
	"github.com/lexledger/auditchain/sqliteaudit"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("audit-server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, errs := config.Load(configPath)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary)*2)
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := audit.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	writer := audit.NewWriter(repo, logger,
		audit.WithMetrics(metrics),
		audit.WithRetention(cfg.Retention(), cfg.RetentionPolicy),
		audit.WithMaxAttempts(cfg.MaxAttempts),
	)
	verifier := audit.NewVerifier(repo, logger, metrics)
	mw := chiware.NewAuditMiddleware(writer, logger, gatewayUser)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(gatewayIdentity)
	r.Use(mw.Handler())

	r.Mount("/v1/audit", chiware.NewHandlers(repo, verifier, writer, logger).Routes())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("audit-server listening", "addr", cfg.ListenAddr, "storage", cfg.Storage)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			mw.Shutdown()
			return fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Drain queued entries after the last request has finished.
	mw.Shutdown()

	return nil
}

// openRepository returns the configured backend and its release function.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Repository, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err := pgxaudit.Connect(ctx, cfg.DatabaseURL, cfg.PoolOptions())
		if err != nil {
			return nil, nil, err
		}
		applied, err := pgxaudit.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrating: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "files", applied)
		}
		return pgxaudit.NewPostgresRepo(pool), pool.Close, nil

	case config.StorageSQLite:
		repo, err := sqliteaudit.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Error("closing sqlite", "error", err)
			}
		}, nil

	default:
		logger.Warn("using in-memory audit storage; entries are lost on exit")
		return audit.NewMemoryRepository(), func() {}, nil
	}
}

type userKey struct{}

// gatewayIdentity stores the identity forwarded by the authenticating
// gateway in the request context.
func gatewayIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-User-ID"); id != "" {
			u := &chiware.UserInfo{
				UserID:   id,
				Username: r.Header.Get("X-User-Name"),
				UserRole: r.Header.Get("X-User-Role"),
			}
			r = r.WithContext(context.WithValue(r.Context(), userKey{}, u))
		}
		next.ServeHTTP(w, r)
	})
}

func gatewayUser(ctx context.Context) *chiware.UserInfo {
	u, _ := ctx.Value(userKey{}).(*chiware.UserInfo)
	return u
}
