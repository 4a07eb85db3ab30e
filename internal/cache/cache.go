// Package cache is an advisory SQLite-backed copy of the most recently
// loaded history window per conversation, so a reopened chat screen can
// render something before the first network round-trip completes. The
// in-memory timeline remains the source of truth; cache failures are for
// the caller to log and ignore.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mechlink/chatcore/internal/model"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Messages returns the cached window for a conversation in chronological
// order. Only settled (sent) messages are ever cached, so everything
// returned is renderable as-is.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `SELECT id, client_msg_id, origin, sender_id, text, attachments, created_at, status
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m           model.Message
			clientMsgID sql.NullString
			senderID    sql.NullString
			attachments sql.NullString
		)
		if err := rows.Scan(&m.ID, &clientMsgID, &m.Origin, &senderID, &m.Text, &attachments, &m.CreatedAt, &m.Status); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.ClientMsgID = clientMsgID.String
		m.SenderID = senderID.String
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				return nil, fmt.Errorf("could not decode cached attachments: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveMessages replaces a conversation's cached window with the given
// snapshot. Unsettled messages (pending, streaming, failed) are skipped:
// the cache only ever holds what the server confirmed.
func (s *Store) SaveMessages(ctx context.Context, conv model.Conversation, msgs []model.Message) error {
	conversationID := conv.ID
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (id, kind, cached_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET cached_at = excluded.cached_at",
		conversationID, string(conv.Kind), time.Now().UTC()); err != nil {
		return fmt.Errorf("could not upsert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("could not clear cached messages: %w", err)
	}

	insert := `INSERT INTO messages (id, conversation_id, client_msg_id, origin, sender_id, text, attachments, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, m := range msgs {
		if m.Status != model.StatusSent {
			continue
		}
		var attachments string
		if len(m.Attachments) > 0 {
			raw, err := json.Marshal(m.Attachments)
			if err != nil {
				return fmt.Errorf("could not encode attachments: %w", err)
			}
			attachments = string(raw)
		}
		if _, err := tx.ExecContext(ctx, insert,
			m.ID, conversationID, m.ClientMsgID, string(m.Origin), m.SenderID, m.Text, attachments, m.CreatedAt.UTC(), string(m.Status)); err != nil {
			return fmt.Errorf("could not insert cached message: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteConversation drops a conversation's cached window.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}
