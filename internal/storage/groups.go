package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
)

func (s *Store) EnsureResponseGroup(ctx context.Context, g *models.ResponseGroup) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		s.insertIgnore("response_groups",
			"id, session_id, user_id, preferred_message_id, version, updated_at",
			"?, ?, ?, ?, ?, ?"),
		g.ID, g.SessionID, g.UserID, nullString(g.PreferredMessageID), g.Version, g.UpdatedAt.UTC(),
	)
	if err != nil {
		return dbErr("ensure response group", err)
	}
	return nil
}

func (s *Store) GetResponseGroup(ctx context.Context, groupID string) (*models.ResponseGroup, error) {
	var (
		g         models.ResponseGroup
		preferred sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, preferred_message_id, version, updated_at
		 FROM response_groups WHERE id = ?`, groupID,
	).Scan(&g.ID, &g.SessionID, &g.UserID, &preferred, &g.Version, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get response group", "response group")
		}
		return nil, dbErr("get response group", err)
	}
	g.PreferredMessageID = preferred.String
	return &g, nil
}

// SwapPreferred moves the pointer and bumps version in one conditional write.
func (s *Store) SwapPreferred(ctx context.Context, groupID, sessionID, userID, messageID string, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE response_groups
		 SET preferred_message_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND session_id = ? AND user_id = ? AND version = ?`,
		messageID, s.now(), groupID, sessionID, userID, expectedVersion,
	)
	if err != nil {
		return false, dbErr("swap preferred", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("swap preferred", err)
	}
	return rows == 1, nil
}
