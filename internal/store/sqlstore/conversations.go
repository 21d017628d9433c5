package sqlstore

import (
	"context"
	"database/sql"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

const conversationColumns = "id, is_group, name, created_by, created_at"

// DirectKey identifies the unordered member pair of a direct conversation.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation, memberIDs []string) (*models.Conversation, error) {
	row := *conv
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = ts(row.CreatedAt)

	var directKey sql.NullString
	if !row.IsGroup {
		if len(memberIDs) != 2 {
			return nil, apperr.InvalidArgument("direct conversation needs exactly two members")
		}
		directKey = sql.NullString{String: DirectKey(memberIDs[0], memberIDs[1]), Valid: true}
	}

	var result *models.Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`
			INSERT INTO conversations (id, is_group, name, created_by, created_at, direct_key)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (direct_key) DO NOTHING
		`)
		res, err := tx.ExecContext(ctx, query, row.ID, row.IsGroup, row.Name, row.CreatedBy, row.CreatedAt, directKey)
		if err != nil {
			return dbError("create conversation", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError("create conversation", err)
		}
		if n == 0 {
			// The pair already has a direct conversation, possibly committed
			// by a concurrent caller a moment ago.
			existing, err := s.conversationByDirectKey(ctx, tx, directKey.String)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		for _, accountID := range memberIDs {
			if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO memberships (conversation_id, account_id) VALUES (?, ?)"), row.ID, accountID); err != nil {
				return dbError("add member", err)
			}
		}
		result = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	return s.conversationByDirectKey(ctx, s.db, DirectKey(a, b))
}

func (s *SQLStore) conversationByDirectKey(ctx context.Context, q sqlx.QueryerContext, key string) (*models.Conversation, error) {
	var conv models.Conversation
	query := s.rebind("SELECT " + conversationColumns + " FROM conversations WHERE direct_key = ?")
	if err := sqlx.GetContext(ctx, q, &conv, query, key); err != nil {
		return nil, dbError("find direct conversation", err)
	}
	return &conv, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	query := s.rebind("SELECT " + conversationColumns + " FROM conversations WHERE id = ?")
	if err := s.db.GetContext(ctx, &conv, query, id); err != nil {
		return nil, dbError("get conversation", err)
	}
	return &conv, nil
}

func (s *SQLStore) IsMember(ctx context.Context, conversationID, accountID string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM memberships WHERE conversation_id = ? AND account_id = ?)")
	if err := s.db.QueryRowContext(ctx, query, conversationID, accountID).Scan(&exists); err != nil {
		return false, dbError("check membership", err)
	}
	return exists, nil
}

func (s *SQLStore) GetMembers(ctx context.Context, conversationID string) ([]models.Account, error) {
	query := s.rebind(`
		SELECT a.id, a.external_id, a.username, a.display_name, a.created_at, a.last_seen_at
		FROM accounts a
		JOIN memberships m ON a.id = m.account_id
		WHERE m.conversation_id = ?
		ORDER BY a.created_at, a.id
	`)
	members := []models.Account{}
	if err := s.db.SelectContext(ctx, &members, query, conversationID); err != nil {
		return nil, dbError("get members", err)
	}
	return members, nil
}

type summaryRow struct {
	models.Conversation
	LastID        sql.NullString `db:"lm_id"`
	LastSenderID  sql.NullString `db:"lm_sender_id"`
	LastContent   sql.NullString `db:"lm_content"`
	LastCreatedAt sql.NullTime   `db:"lm_created_at"`
	LastSeq       sql.NullInt64  `db:"lm_seq"`
	LastIsRead    sql.NullBool   `db:"lm_is_read"`
	UnreadCount   int            `db:"unread_count"`
}

type memberRow struct {
	ConversationID string `db:"conversation_id"`
	models.Account
}

// ListConversationSummaries returns every conversation accountID belongs to
// with members, last message and unread count, newest activity first. It runs
// one query for the conversations and one batched query for the members.
func (s *SQLStore) ListConversationSummaries(ctx context.Context, accountID string) ([]models.ConversationSummary, error) {
	query := s.rebind(`
		SELECT c.id, c.is_group, c.name, c.created_by, c.created_at,
			lm.id AS lm_id, lm.sender_id AS lm_sender_id, lm.content AS lm_content,
			lm.created_at AS lm_created_at, lm.seq AS lm_seq, lm.is_read AS lm_is_read,
			(SELECT COUNT(*) FROM messages u
				WHERE u.conversation_id = c.id AND u.sender_id <> ? AND u.is_read = FALSE) AS unread_count
		FROM conversations c
		JOIN memberships m ON m.conversation_id = c.id
		LEFT JOIN messages lm ON lm.id = (
			SELECT x.id FROM messages x WHERE x.conversation_id = c.id ORDER BY x.seq DESC LIMIT 1
		)
		WHERE m.account_id = ?
	`)
	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query, accountID, accountID); err != nil {
		return nil, dbError("list conversations", err)
	}

	summaries := make([]models.ConversationSummary, 0, len(rows))
	if len(rows) == 0 {
		return summaries, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	members, err := s.membersByConversation(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		summary := models.ConversationSummary{
			Conversation: r.Conversation,
			Members:      members[r.ID],
			UnreadCount:  r.UnreadCount,
		}
		if summary.Members == nil {
			summary.Members = []models.Account{}
		}
		if r.LastID.Valid {
			summary.LastMessage = &models.Message{
				ID:             r.LastID.String,
				ConversationID: r.ID,
				SenderID:       r.LastSenderID.String,
				Content:        r.LastContent.String,
				CreatedAt:      r.LastCreatedAt.Time,
				Seq:            r.LastSeq.Int64,
				IsRead:         r.LastIsRead.Bool,
			}
		}
		if !r.IsGroup {
			for i := range summary.Members {
				if summary.Members[i].ID != accountID {
					other := summary.Members[i]
					summary.OtherMember = &other
					break
				}
			}
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ti, tj := summaries[i].ActivityAt(), summaries[j].ActivityAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

func (s *SQLStore) membersByConversation(ctx context.Context, conversationIDs []string) (map[string][]models.Account, error) {
	query, args, err := sqlx.In(`
		SELECT m.conversation_id, a.id, a.external_id, a.username, a.display_name, a.created_at, a.last_seen_at
		FROM memberships m
		JOIN accounts a ON a.id = m.account_id
		WHERE m.conversation_id IN (?)
		ORDER BY a.created_at, a.id
	`, conversationIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "build members query", err)
	}

	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, dbError("list members", err)
	}

	byConversation := make(map[string][]models.Account, len(conversationIDs))
	for _, r := range rows {
		byConversation[r.ConversationID] = append(byConversation[r.ConversationID], r.Account)
	}
	return byConversation, nil
}
