package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

const messageColumns = `id, session_id, user_id, role, content, model, model_provider,
	prompt_tokens, completion_tokens, response_group_id, response_type,
	parent_message_id, status, created_at`

// selectMessages derives is_preferred from the owning group's pointer.
const selectMessages = `SELECT m.id, m.session_id, m.user_id, m.role, m.content, m.model, m.model_provider,
	m.prompt_tokens, m.completion_tokens, m.response_group_id, m.response_type,
	m.parent_message_id, m.status, m.created_at,
	CASE WHEN g.preferred_message_id = m.id THEN 1 ELSE 0 END
	FROM messages m
	LEFT JOIN response_groups g ON g.id = m.response_group_id`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg          models.Message
		role, status string
	)
	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.UserID, &role, &msg.Content, &msg.Model, &msg.Provider,
		&msg.PromptTokens, &msg.CompletionTokens, &msg.ResponseGroupID, &msg.ResponseType,
		&msg.ParentMessageID, &status, &msg.CreatedAt, &msg.IsPreferred,
	)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Status = models.MessageStatus(status)
	return &msg, nil
}

// InsertMessage appends msg and touches the session. A duplicate id leaves
// the stored row as it was and reports false.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.SessionID) == "" {
		return false, apperr.New(apperr.Validation, "insert message", "message and session id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = models.StatusComplete
	}
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.insertIgnore("messages", messageColumns, "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"),
			msg.ID, msg.SessionID, msg.UserID, string(msg.Role), msg.Content, msg.Model, msg.Provider,
			msg.PromptTokens, msg.CompletionTokens, msg.ResponseGroupID, msg.ResponseType,
			msg.ParentMessageID, string(msg.Status), msg.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		inserted = true
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt.UTC(), msg.SessionID)
		return err
	})
	if err != nil {
		return false, dbErr("insert message", err)
	}
	return inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessages+` WHERE m.id = ?`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get message", "message")
		}
		return nil, dbErr("get message", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMessages+` WHERE m.session_id = ? ORDER BY m.created_at ASC, m.id ASC`, sessionID)
	if err != nil {
		return nil, dbErr("list messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, dbErr("list messages", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list messages", err)
	}
	return messages, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, dbErr("count messages", err)
	}
	return n, nil
}
