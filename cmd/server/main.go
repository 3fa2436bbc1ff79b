// docat server
//
// Features:
// - Versioned documentation upload, tags, hide/show, rename
// - Project claims guarded by Docat-Api-Key tokens (file or PostgreSQL)
// - SQLite search index with incremental updates and full rebuilds
// - Prometheus metrics & structured logging (zap)
// - SSE change events, per-client rate limiting
// - Upload staging on local disk or S3, nginx config generation
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/api"
	"github.com/fruitsalade/docat/internal/auth"
	"github.com/fruitsalade/docat/internal/config"
	"github.com/fruitsalade/docat/internal/docs"
	"github.com/fruitsalade/docat/internal/docstore"
	"github.com/fruitsalade/docat/internal/events"
	"github.com/fruitsalade/docat/internal/index"
	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
	"github.com/fruitsalade/docat/internal/proxy"
	"github.com/fruitsalade/docat/internal/quota"
	"github.com/fruitsalade/docat/internal/storage"
	"github.com/fruitsalade/docat/internal/watcher"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("docat server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StoragePath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Document store and search index
	store, err := docstore.New(cfg.DocsPath())
	if err != nil {
		logging.Fatal("document store init failed", zap.Error(err))
	}
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		logging.Fatal("search index open failed", zap.Error(err))
	}
	defer idx.Close()

	// Claims: PostgreSQL when configured, JSON file otherwise
	var claims auth.ClaimStore
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		claims, err = auth.OpenPostgres(ctx, cfg.DatabaseURL)
	} else {
		claims, err = auth.NewFileClaimStore(cfg.ClaimsPath())
	}
	if err != nil {
		logging.Fatal("claim store init failed", zap.Error(err))
	}
	defer claims.Close()
	gate := auth.NewGate(claims, cfg.GlobalClaimToken, cfg.GlobalClaimSalt)

	// Admin auth, with optional OIDC
	admin := auth.NewAdminAuth(cfg.AdminJWTSecret)
	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL:  cfg.OIDCIssuerURL,
		ClientID:   cfg.OIDCClientID,
		AdminClaim: cfg.OIDCAdminClaim,
		AdminValue: cfg.OIDCAdminValue,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	if oidcProvider != nil {
		admin.SetOIDCProvider(oidcProvider)
	}
	if !admin.Enabled() {
		logging.Warn("no ADMIN_JWT_SECRET or OIDC issuer configured, admin endpoints are disabled")
	}

	// Upload staging
	backend, err := storage.NewBackendFromConfig(ctx, cfg)
	if err != nil {
		logging.Fatal("staging backend init failed", zap.Error(err))
	}
	defer backend.Close()
	stager, err := storage.NewStager(backend, cfg.StagingPath())
	if err != nil {
		logging.Fatal("stager init failed", zap.Error(err))
	}
	logging.Info("staging backend initialized", zap.String("backend", backend.Type()))

	// Reverse proxy notifications (optional)
	var notifier proxy.Notifier = proxy.Nop{}
	if cfg.NginxConfigDir != "" {
		nginx := proxy.NewNginx(cfg.NginxConfigDir, cfg.DocsPath())
		nginx.Start(ctx)
		defer nginx.Stop()
		notifier = nginx
		logging.Info("nginx notifier started", zap.String("dir", cfg.NginxConfigDir))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	svc := docs.New(docs.Options{
		Store:          store,
		Index:          idx,
		Gate:           gate,
		Events:         broadcaster,
		Proxy:          notifier,
		RebuildWorkers: cfg.RebuildWorkers,
	})

	// A sentinel can only be left over from a crashed process at this point
	if err := svc.Builder().CleanStale(); err != nil {
		logging.Fatal("stale rebuild cleanup failed", zap.Error(err))
	}
	if cfg.RebuildOnStart {
		go func() {
			if _, err := svc.RebuildIndex(ctx); err != nil {
				logging.Error("startup index rebuild failed", zap.Error(err))
			}
		}()
	}

	// Out-of-band changes to the store (optional)
	if cfg.WatchStore {
		w, err := watcher.New(cfg.DocsPath(), cfg.WatchDebounce, svc.Reconcile)
		if err != nil {
			logging.Fatal("store watcher init failed", zap.Error(err))
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("store watcher stopped", zap.Error(err))
			}
		}()
		logging.Info("store watcher started", zap.Duration("debounce", cfg.WatchDebounce))
	}

	rateLimiter := quota.NewRateLimiter(cfg.RateLimitPerMinute)
	srv := api.NewServer(cfg, svc, stager, admin, rateLimiter, broadcaster)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Start periodic cleanup of idle rate limiter buckets
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rateLimiter.Cleanup(24 * time.Hour); n > 0 {
					logging.Debug("rate limiter buckets cleaned", zap.Int("count", n))
				}
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
