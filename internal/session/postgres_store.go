package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mindhaven/api/internal/store"
)

// PostgresStore persists refresh sessions in the refresh_sessions table.
// It is the fallback backend when Redis is not configured.
type PostgresStore struct {
	store *store.PostgresStore
}

func NewPostgresStore(s *store.PostgresStore) *PostgresStore {
	return &PostgresStore{store: s}
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return s.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrSessionNotFound
	}
	return user, err
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}
