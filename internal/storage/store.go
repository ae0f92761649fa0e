package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/gateway"
)

var _ gateway.Gateway = (*Store)(nil)

// Store is the database/sql persistence gateway.
type Store struct {
	db     *sql.DB
	driver string
	cipher *keyCipher
	now    func() time.Time
}

// New wraps an opened and migrated database. keyEncryptionKey seals stored
// provider keys; when empty keys are stored as given.
func New(db *sql.DB, driver, keyEncryptionKey string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	s := &Store{
		db:     db,
		driver: normalizeDriver(driver),
		now:    func() time.Time { return time.Now().UTC() },
	}
	switch s.driver {
	case "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	if keyEncryptionKey != "" {
		c, err := newKeyCipher(keyEncryptionKey)
		if err != nil {
			return nil, err
		}
		s.cipher = c
	}
	return s, nil
}

// DB exposes the underlying handle, mostly for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) isMySQL() bool {
	return s.driver == "mysql"
}

// insertIgnore returns the insert-if-absent form of an insert for the dialect.
func (s *Store) insertIgnore(table, columns, placeholders string) string {
	if s.isMySQL() {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, placeholders)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, placeholders)
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, op, err)
	}
	return apperr.Wrap(apperr.Persistence, op, err)
}

func notFound(op, what string) error {
	return apperr.New(apperr.NotFound, op, what+" not found")
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
