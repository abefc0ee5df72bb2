package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mindhaven/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })
	return sessions, s
}

func testUser(id, username, role string) store.User {
	return store.User{ID: id, Username: username, Role: role}
}

func TestNewRedisStore(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	if err := sessions.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := sessions.SaveRefreshSession(ctx, "hash-1", testUser("usr_1", "avery", "admin"), expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := sessions.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "usr_1" || user.Username != "avery" || user.Role != "admin" {
		t.Errorf("unexpected session user: %+v", user)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	sessions, s := setupTestRedis(t)

	ctx := context.Background()
	expiresAt := time.Now().Add(1 * time.Millisecond)
	if err := sessions.SaveRefreshSession(ctx, "hash-exp", testUser("usr_2", "b", "user"), expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := sessions.LookupRefreshSession(ctx, "hash-exp"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	if _, err := sessions.LookupRefreshSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)
	if err := sessions.SaveRefreshSession(ctx, "hash-rev", testUser("usr_3", "c", "user"), expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	if _, err := sessions.LookupRefreshSession(ctx, "hash-rev"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}
	if err := sessions.RevokeRefreshSession(ctx, "hash-rev"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "hash-rev"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	if err := sessions.RevokeRefreshSession(context.Background(), "missing"); err != nil {
		t.Errorf("RevokeRefreshSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	sessions, _ := setupTestRedis(t)

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := sessions.SaveRefreshSession(ctx, "token-1", testUser("usr_1", "a", "user"), expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := sessions.SaveRefreshSession(ctx, "token-2", testUser("usr_2", "b", "user"), expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}

	if err := sessions.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}

	if _, err := sessions.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}
	user, err := sessions.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user.ID != "usr_2" {
		t.Errorf("expected usr_2 after revoke, got %s", user.ID)
	}
}
