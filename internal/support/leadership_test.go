package support

import (
	"context"
	"testing"
	"time"
)

func TestRenewalInterval(t *testing.T) {
	if got := renewalInterval(45 * time.Second); got != 15*time.Second {
		t.Fatalf("renewalInterval returned %s, want 15s", got)
	}
	if got := renewalInterval(time.Second); got != minRenewalInterval {
		t.Fatalf("renewalInterval returned %s, want %s", got, minRenewalInterval)
	}
}

func TestGenerateLeaderIDUnique(t *testing.T) {
	if generateLeaderID() == generateLeaderID() {
		t.Fatal("generateLeaderID returned the same value twice")
	}
}

func TestLeaderLockRejectsIncompleteSetup(t *testing.T) {
	lock := &LeaderLock{Key: "prefixsync:test"}
	if err := lock.Run(context.Background(), func(context.Context) {}); err == nil {
		t.Fatal("expected error without redis client")
	}
	if err := lock.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil run function")
	}
}

func TestSleepCtxHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); err == nil {
		t.Fatal("sleepCtx ignored cancelled context")
	}
}

func TestRedisDisabledWithoutURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_ = CloseRedisClient()
	if _, err := GetRedisClient(context.Background()); err != ErrRedisDisabled {
		t.Fatalf("GetRedisClient returned %v, want ErrRedisDisabled", err)
	}
}
