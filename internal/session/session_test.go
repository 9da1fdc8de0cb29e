package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(current *time.Time) *Service {
	return NewService(NewMemoryStore(), WithClock(func() time.Time { return *current }))
}

func TestSessionIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(100_000, 0)
	service := newTestService(&current)

	token, record, err := service.Issue(ctx, "wallet-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(token, "avt_") {
		t.Fatalf("token %q missing prefix", token)
	}
	if record.TokenHash == token || record.TokenHash == "" {
		t.Fatal("store must keep the hash, not the plaintext token")
	}
	if record.ExpiresAt != 100_000+3600 {
		t.Fatalf("ExpiresAt = %d, want 103600", record.ExpiresAt)
	}

	validated, err := service.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if validated.ID != record.ID || validated.WalletID != "wallet-1" {
		t.Fatalf("validated = %+v", validated)
	}
}

func TestSessionValidateUnknownToken(t *testing.T) {
	current := time.Unix(100_000, 0)
	service := newTestService(&current)
	if _, err := service.Validate(context.Background(), "avt_deadbeef"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
	if _, err := service.Validate(context.Background(), ""); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("empty token err = %v, want ErrSessionInvalid", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(100_000, 0)
	service := newTestService(&current)

	token, _, err := service.Issue(ctx, "wallet-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// 恰好到期的那一秒即失效。
	current = time.Unix(103_600, 0)
	if _, err := service.Validate(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestSessionRevoke(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(100_000, 0)
	service := newTestService(&current)

	token, record, err := service.Issue(ctx, "wallet-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := service.Revoke(ctx, record.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := service.Validate(ctx, token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}
	// 吊销幂等。
	if err := service.Revoke(ctx, record.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestSessionRevokeWallet(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(100_000, 0)
	service := newTestService(&current)

	tokenA, _, err := service.Issue(ctx, "wallet-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokenB, _, err := service.Issue(ctx, "wallet-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokenOther, _, err := service.Issue(ctx, "wallet-2", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ids, err := service.RevokeWallet(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("RevokeWallet: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("revoked = %d, want 2", len(ids))
	}
	if _, err := service.Validate(ctx, tokenA); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("tokenA err = %v, want ErrSessionRevoked", err)
	}
	if _, err := service.Validate(ctx, tokenB); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("tokenB err = %v, want ErrSessionRevoked", err)
	}
	if _, err := service.Validate(ctx, tokenOther); err != nil {
		t.Fatalf("wallet-2 session should survive: %v", err)
	}
}

func TestSessionPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	current := time.Unix(100_000, 0)
	service := NewService(store, WithClock(func() time.Time { return current }))

	if _, _, err := service.Issue(ctx, "wallet-1", time.Minute); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	purged, err := store.PurgeExpired(ctx, 200_000)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}
