package usertoken

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisRevokerExpiresWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedisRevoker(client)
	ctx := context.Background()

	if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected jti-1 revoked, got %v err=%v", revoked, err)
	}

	mr.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("expected revocation to expire, got %v err=%v", revoked, err)
	}
}

func TestMemoryRevokerIgnoresNonPositiveTTL(t *testing.T) {
	r := NewMemoryRevoker()
	ctx := context.Background()
	if err := r.Revoke(ctx, "jti-1", 0); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("zero ttl should not revoke")
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	_ = r.Revoke(ctx, "jti-2", time.Second)
	if revoked, _ := r.IsRevoked(ctx, "jti-2"); !revoked {
		t.Fatalf("expected jti-2 revoked")
	}
	r.now = func() time.Time { return base.Add(2 * time.Second) }
	if revoked, _ := r.IsRevoked(ctx, "jti-2"); revoked {
		t.Fatalf("expected jti-2 to expire")
	}
}
