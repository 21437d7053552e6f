package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"possale/backend/internal/cache"
	"possale/backend/internal/config"
	"possale/backend/internal/domain"
	"possale/backend/internal/httpapi"
	"possale/backend/internal/logging"
	"possale/backend/internal/metrics"
	"possale/backend/internal/qrpay"
	"possale/backend/internal/service"
	"possale/backend/internal/store"
	"possale/backend/internal/store/memory"
	pgstore "possale/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := logging.Setup(cfg.LogMode, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid TIMEZONE", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.DBAutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres", zap.Bool("auto_migrate", cfg.DBAutoMigrate))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var redisClient *redis.Client
	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisReportCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop report cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			reportCache = redisCache
			closers = append(closers, client.Close)
			logger.Info("report cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("report cache: noop")
	}

	sessions, closeSessions, err := openQRSessionStore(cfg, repo, redisClient)
	if err != nil {
		logger.Fatal("qr session store unavailable", zap.String("store", cfg.QRSessionStore), zap.Error(err))
	}
	if closeSessions != nil {
		closers = append(closers, closeSessions)
	}
	logger.Info("qr session store", zap.String("store", cfg.QRSessionStore))

	m := metrics.New()
	tracker := qrpay.NewTracker(sessions, cfg.QRSessionTTL(), m)
	svc := service.New(repo, service.Options{
		LowStockThreshold: cfg.LowStockThreshold,
		Location:          loc,
		QRTracker:         tracker,
		QRRenderer:        qrpay.NewPNGRenderer(),
		ReportCache:       reportCache,
		ReportCacheTTL:    cfg.ReportCacheTTL(),
		Metrics:           m,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := seedAccounts(ctx, auth, cfg); err != nil {
		logger.Fatal("failed to seed user accounts", zap.Error(err))
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, m)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS sales backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// openQRSessionStore picks where QR payment sessions live. The ledger option
// keeps them in the sales repository itself.
func openQRSessionStore(cfg config.Config, ledger store.QRSessionStore, client *redis.Client) (store.QRSessionStore, func() error, error) {
	switch cfg.QRSessionStore {
	case "", config.QRStoreLedger:
		return ledger, nil, nil
	case config.QRStoreRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("QR_SESSION_STORE=redis needs a reachable REDIS_ADDR")
		}
		return qrpay.NewRedisSessionStore(client, cfg.QRSessionRetention()), nil, nil
	case config.QRStoreBolt:
		sessions, err := qrpay.NewBoltSessionStore(cfg.QRBoltPath)
		if err != nil {
			return nil, nil, err
		}
		return sessions, sessions.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown QR_SESSION_STORE %q (want ledger, redis or bolt)", cfg.QRSessionStore)
}

// seedAccounts creates the admin and cashier logins from SEED_* passwords
// when the repository has no such account yet.
func seedAccounts(ctx context.Context, auth *httpapi.AuthManager, cfg config.Config) error {
	for _, account := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", cfg.SeedAdminPassword, domain.RoleAdmin},
		{"cashier", cfg.SeedCashierPassword, domain.RoleCashier},
	} {
		if account.password == "" {
			continue
		}
		if err := auth.EnsureUser(ctx, account.username, account.password, account.role); err != nil {
			return fmt.Errorf("seed %s: %w", account.username, err)
		}
	}
	return nil
}
