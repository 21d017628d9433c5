package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pliu/chatty/internal/models"
)

// lastMessage is the newest committed message of a conversation.
type lastMessage struct {
	Seq       int64     `db:"seq"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendMessage commits msg with the next sequence number of its
// conversation. The conversation row is locked for the duration of the
// transaction, so sequence order equals commit order, and CreatedAt never
// goes backwards within a conversation.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	row := *msg
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = ts(row.CreatedAt)
	row.IsRead = false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var convID string
		lock := s.rebind("SELECT id FROM conversations WHERE id = ?" + s.forUpdate())
		if err := tx.GetContext(ctx, &convID, lock, row.ConversationID); err != nil {
			return dbError("lock conversation", err)
		}

		var last lastMessage
		query := s.rebind("SELECT seq, created_at FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1")
		err := tx.GetContext(ctx, &last, query, row.ConversationID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return dbError("read last message", err)
		}

		row.Seq = last.Seq + 1
		if row.CreatedAt.Before(last.CreatedAt) {
			row.CreatedAt = last.CreatedAt
		}

		insert := `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at, seq, is_read)
			VALUES (:id, :conversation_id, :sender_id, :content, :created_at, :seq, :is_read)
		`
		if _, err := tx.NamedExecContext(ctx, insert, &row); err != nil {
			return dbError("save message", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*msg = row
	return nil
}

type messageRow struct {
	models.Message
	SenderExternalID  int64     `db:"sender_external_id"`
	SenderUsername    string    `db:"sender_username"`
	SenderDisplayName string    `db:"sender_display_name"`
	SenderCreatedAt   time.Time `db:"sender_created_at"`
	SenderLastSeenAt  time.Time `db:"sender_last_seen_at"`
}

// GetMessages returns the most recent limit messages of a conversation in
// ascending order, each with its sender.
func (s *SQLStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.seq, m.is_read,
			a.external_id AS sender_external_id, a.username AS sender_username,
			a.display_name AS sender_display_name, a.created_at AS sender_created_at,
			a.last_seen_at AS sender_last_seen_at
		FROM messages m
		JOIN accounts a ON m.sender_id = a.id
		WHERE m.conversation_id = ?
		ORDER BY m.seq DESC
		LIMIT ?
	`)
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, conversationID, limit); err != nil {
		return nil, dbError("get messages", err)
	}

	messages := make([]models.Message, len(rows))
	for i, r := range rows {
		m := r.Message
		m.Sender = &models.Account{
			ID:          r.SenderID,
			ExternalID:  r.SenderExternalID,
			Username:    r.SenderUsername,
			DisplayName: r.SenderDisplayName,
			CreatedAt:   r.SenderCreatedAt,
			LastSeenAt:  r.SenderLastSeenAt,
		}
		messages[len(rows)-1-i] = m
	}
	return messages, nil
}

// MarkRead flags every unread message in the conversation not sent by
// readerID as read and reports how many changed.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	query := s.rebind("UPDATE messages SET is_read = TRUE WHERE conversation_id = ? AND sender_id <> ? AND is_read = FALSE")
	res, err := s.db.ExecContext(ctx, query, conversationID, readerID)
	if err != nil {
		return 0, dbError("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("mark read", err)
	}
	return n, nil
}

func (s *SQLStore) LatestSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	query := s.rebind("SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?")
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&seq); err != nil {
		return 0, dbError("latest seq", err)
	}
	return seq, nil
}
