// Package server boots the billing engine: configuration, stores, the
// payment gateway, background sweepers, and the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dukahq/billing/internal/api"
	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/billing"
	"github.com/dukahq/billing/internal/config"
	"github.com/dukahq/billing/internal/gateway"
	"github.com/dukahq/billing/internal/logging"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/registry"
	"github.com/dukahq/billing/internal/wspush"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", version).Msg("Starting Duka billing engine")

	// Open the tenant registry
	store, err := registry.NewStore(cfg.RegistryDir())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	// Open the signed activity log
	recorder, err := audit.NewSQLiteRecorder(audit.SQLiteRecorderConfig{
		DataDir:       cfg.DataDir,
		RetentionDays: cfg.AuditRetentionDays,
	})
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer recorder.Close()

	// Pick the payment gateway
	var gw gateway.Gateway
	if cfg.PaystackSecretKey != "" {
		gw = gateway.NewPaystack(cfg.PaystackSecretKey)
		log.Info().Msg("Payment gateway configured (Paystack)")
	} else {
		gw = gateway.NewLogGateway()
		log.Warn().Msg("Payment gateway: log-only (set PAYSTACK_SECRET_KEY to enable)")
	}

	table := pricing.NewTable()
	overrides, err := pricing.NewOverridesWatcher(table, cfg.PricingOverridesPath())
	if err != nil {
		log.Warn().Err(err).Msg("Pricing overrides watcher unavailable, using built-in prices")
	} else {
		if err := overrides.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start pricing overrides watcher")
		}
		defer overrides.Stop()
	}

	// The hub needs the service for initial status snapshots and the
	// service needs the hub for invalidations; the closure breaks the
	// cycle because svc is assigned before any connection arrives.
	var svc *billing.Service
	hub := wspush.NewHub(func(tenantID string) any {
		if svc == nil {
			return nil
		}
		status, err := svc.SubscriptionStatus(tenantID)
		if err != nil {
			return nil
		}
		return status
	})

	svc = billing.New(billing.Config{
		Store:       store,
		Gateway:     gw,
		Pricing:     table,
		Audit:       recorder,
		Notifier:    hub,
		TrialDays:   cfg.TrialDays,
		GraceDays:   cfg.GraceDays,
		CallbackURL: cfg.CallbackURL(),
	})

	tokens := auth.NewTokenManager(cfg.TokenSecret, cfg.TokenTTL)

	// Build HTTP routes
	mux := http.NewServeMux()
	deps := &Deps{
		Handlers: &api.Handlers{
			Billing:       svc,
			Store:         store,
			Pricing:       table,
			Tokens:        tokens,
			Audit:         recorder,
			Hub:           hub,
			WebhookSecret: cfg.PaystackWebhookSecret,
		},
		Tokens:   tokens,
		AdminKey: cfg.AdminKey,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           withRecovery(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go hub.Run(ctx)

	// Start expiry and abandoned-transaction sweeps
	sweeper := billing.NewSweeper(svc, cfg.SweepInterval, cfg.PendingTxTTL)
	go sweeper.Run(ctx)

	// Start metrics updater
	go billing.RunStatusMetrics(ctx, store)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billing engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing engine stopped")
	return nil
}
