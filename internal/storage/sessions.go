package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const sessionColumns = `id, user_id, name, pinned, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.Pinned, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get session", "session")
		}
		return nil, dbErr("get session", err)
	}
	return sess, nil
}

// CreateSessionIfAbsent reports true when this call inserted the row.
func (s *Store) CreateSessionIfAbsent(ctx context.Context, sess *models.Session) (bool, error) {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	res, err := s.db.ExecContext(ctx,
		s.insertIgnore("sessions", sessionColumns, "?, ?, ?, ?, ?, ?"),
		sess.ID, sess.UserID, sess.Name, sess.Pinned, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, dbErr("create session", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("create session", err)
	}
	return rows == 1, nil
}

func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, dbErr("count sessions", err)
	}
	return n, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?
		 ORDER BY pinned DESC, updated_at DESC, id ASC`, userID)
	if err != nil {
		return nil, dbErr("list sessions", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, dbErr("list sessions", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list sessions", err)
	}
	return sessions, nil
}

// UpsertSessionName leaves sessions owned by someone else untouched.
func (s *Store) UpsertSessionName(ctx context.Context, sessionID, userID, name string) error {
	now := s.now()
	var query string
	if s.isMySQL() {
		query = `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, 0, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = IF(user_id = VALUES(user_id), VALUES(name), name),
				updated_at = IF(user_id = VALUES(user_id), VALUES(updated_at), updated_at)`
	} else {
		query = `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
			WHERE sessions.user_id = excluded.user_id`
	}
	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, name, now, now); err != nil {
		return dbErr("upsert session name", err)
	}
	return nil
}

func (s *Store) SetSessionName(ctx context.Context, sessionID, userID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		name, s.now(), sessionID, userID)
	if err != nil {
		return dbErr("rename session", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("rename session", "session")
	}
	return nil
}

func (s *Store) SetPinned(ctx context.Context, sessionID, userID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pinned = ? WHERE id = ? AND user_id = ?`,
		pinned, sessionID, userID)
	if err != nil {
		return dbErr("pin session", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return notFound("pin session", "session")
	}
	return nil
}

// DeleteSessions removes the caller's sessions together with their messages
// and response groups. Ids owned by other users are skipped.
func (s *Store) DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range sessionIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, id).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM response_groups WHERE session_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, userID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, dbErr("delete sessions", err)
	}
	return deleted, nil
}
