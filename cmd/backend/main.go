package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shop-backend/internal/db"
	"shop-backend/internal/payment"
	"shop-backend/internal/realtime"
	"shop-backend/internal/server"
)

func main() {
	cfg, err := server.LoadConfig(getenvDefault("SHOP_ENV_FILE", ".env"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config_load_failed")
	}
	log := server.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.Env)

	// Refuse to start without the required secrets.
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config_invalid")
	}
	cfg.WarnOnOptionalMissingConfig(log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server_error")
	}
	log.Info().Msg("shutdown_complete")
}

func run(cfg server.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.OpenDB(cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxConns,
		MaxIdleConns:    cfg.DBMaxConns / 2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	log.Info().Msg("running_migrations")
	if err := db.RunMigrations(conn); err != nil {
		return err
	}
	log.Info().Msg("migrations_complete")

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		created, err := server.EnsureAdmin(ctx, conn, cfg.AdminName, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			return err
		}
		if created {
			log.Info().Str("email", cfg.AdminEmail).Msg("admin_created")
		}
	}

	deps := server.Deps{DB: conn, Logger: log, Metrics: server.NewMetrics()}
	deps.Metrics.SetBuildInfo(cfg.Version, cfg.Commit)

	if cfg.StorageConfigured() {
		store, err := server.NewMinioStore(ctx, cfg.StorageConfig())
		if err != nil {
			return err
		}
		deps.Images = store
	}

	deps.Payments, err = newGateway(cfg)
	if err != nil {
		return err
	}
	deps.Breaker = payment.NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown, log)
	deps.Payments = payment.Guard(deps.Payments, deps.Breaker)

	deps.Hub = realtime.NewHub(log, originChecker(cfg.AllowedOrigins()))
	deps.Hub.OnClientCount(deps.Metrics.SetRealtimeClients)
	defer deps.Hub.Close()
	deps.Events = deps.Hub

	var bridge *realtime.RedisBridge
	if cfg.RedisURL != "" {
		bridge, err = realtime.NewRedisBridge(ctx, cfg.RedisURL, "shop:events", deps.Hub, log)
		if err != nil {
			return err
		}
		defer func() { _ = bridge.Close() }()
		deps.Events = bridge
		deps.Redis = bridge
	}

	deps.Email = server.NewEmailService(cfg.EmailConfig(), log)

	srv := server.New(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("version", cfg.Version).Str("commit", cfg.Commit).Msg("starting")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.RunMaintenanceSchedule(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting_down")
		// Give in-flight requests 5 seconds to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newGateway returns the Stripe gateway, or the in-memory one when no Stripe
// key is configured.
func newGateway(cfg server.Config) (payment.Gateway, error) {
	if cfg.StripeSecretKey == "" {
		return payment.NewFake(), nil
	}
	return payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:      cfg.StripeSecretKey,
		PublishableKey: cfg.StripePublishableKey,
		WebhookSecret:  cfg.StripeWebhookSecret,
		Currency:       cfg.Currency,
	})
}

// originChecker accepts websocket upgrades from the configured origins. With
// none configured it returns nil so the upgrader enforces same-origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.TrimRight(origin, "/")]
	}
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
