package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
)

// SetProviderKey persists or replaces the key a user brings for a provider.
func (s *Store) SetProviderKey(ctx context.Context, userID, provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	key = strings.TrimSpace(key)
	if provider == "" || key == "" {
		return apperr.New(apperr.Validation, "set provider key", "provider and key are required")
	}
	stored := key
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(key)
		if err != nil {
			return apperr.Wrap(apperr.Persistence, "set provider key", err)
		}
		stored = sealed
	}

	var query string
	if s.isMySQL() {
		query = `INSERT INTO provider_keys (user_id, provider, sealed_key, created_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE sealed_key = VALUES(sealed_key), created_at = VALUES(created_at)`
	} else {
		query = `INSERT INTO provider_keys (user_id, provider, sealed_key, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, provider) DO UPDATE SET sealed_key = excluded.sealed_key, created_at = excluded.created_at`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, provider, stored, s.now()); err != nil {
		return dbErr("set provider key", err)
	}
	return nil
}

func (s *Store) ProviderKey(ctx context.Context, userID, provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed_key FROM provider_keys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID, provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", dbErr("lookup provider key", err)
	}
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s.cipher == nil {
		return "", apperr.New(apperr.Persistence, "lookup provider key", "sealed key stored but no key encryption key configured")
	}
	plain, err := s.cipher.Open(stored)
	if err != nil {
		return "", apperr.Wrap(apperr.Persistence, "lookup provider key", fmt.Errorf("open %s key: %w", provider, err))
	}
	return plain, nil
}

func (s *Store) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return dbErr("delete provider key", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("delete provider key", "provider key")
	}
	return nil
}
