package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"possale/backend/internal/cache"
	"possale/backend/internal/config"
	"possale/backend/internal/domain"
	"possale/backend/internal/httpapi"
	"possale/backend/internal/qrpay"
	"possale/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestOpenQRSessionStoreLedger(t *testing.T) {
	repo := memory.New()
	sessions, closeFn, err := openQRSessionStore(config.Config{QRSessionStore: config.QRStoreLedger}, repo, nil)
	if err != nil {
		t.Fatalf("open ledger store: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("ledger store needs no closer")
	}
	if sessions != repo {
		t.Fatalf("expected the repository to serve qr sessions")
	}
}

func TestOpenQRSessionStoreBolt(t *testing.T) {
	cfg := config.Config{QRSessionStore: config.QRStoreBolt, QRBoltPath: filepath.Join(t.TempDir(), "qr.db")}
	sessions, closeFn, err := openQRSessionStore(cfg, memory.New(), nil)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	defer func() { _ = closeFn() }()
	if _, ok := sessions.(*qrpay.BoltSessionStore); !ok {
		t.Fatalf("expected bolt session store, got %T", sessions)
	}
}

func TestOpenQRSessionStoreRedis(t *testing.T) {
	cfg := config.Config{QRSessionStore: config.QRStoreRedis, QRSessionRetentionHours: 1}
	if _, _, err := openQRSessionStore(cfg, memory.New(), nil); err == nil {
		t.Fatalf("expected redis store without a client to fail")
	}

	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()

	sessions, _, err := openQRSessionStore(cfg, memory.New(), client)
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	if _, ok := sessions.(*qrpay.RedisSessionStore); !ok {
		t.Fatalf("expected redis session store, got %T", sessions)
	}
}

func TestOpenQRSessionStoreUnknown(t *testing.T) {
	if _, _, err := openQRSessionStore(config.Config{QRSessionStore: "etcd"}, memory.New(), nil); err == nil {
		t.Fatalf("expected unknown store to be rejected")
	}
}

func TestSeedAccountsKeepsExistingPasswords(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "")
	repo := memory.New()
	auth := httpapi.NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo)
	cfg := config.Config{SeedAdminPassword: "replacement-pass"}

	if err := seedAccounts(context.Background(), auth, cfg); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected the two seeded users, got %d", len(users))
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("expected existing admin password to stay valid: %v", err)
	}
}
