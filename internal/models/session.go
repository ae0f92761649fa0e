package models

import "time"

// Session groups a sequence of turns. The id is generated by the client.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResponseGroup ties the candidate answers of one turn together and points at
// the preferred one. Version increases on every swap of the pointer.
type ResponseGroup struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	PreferredMessageID string    `json:"preferred_message_id,omitempty"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
}
