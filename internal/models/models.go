package models

import "time"

type Account struct {
	ID          string    `json:"id" db:"id"`
	ExternalID  int64     `json:"external_id" db:"external_id"`
	Username    string    `json:"username,omitempty" db:"username"`
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// AuthCode is a one-time login code handed out by the code-delivery channel.
type AuthCode struct {
	ID                  string    `json:"id" db:"id"`
	Code                string    `json:"code" db:"code"`
	ExternalID          int64     `json:"external_id" db:"external_id"`
	ExternalUsername    string    `json:"external_username,omitempty" db:"external_username"`
	ExternalDisplayName string    `json:"external_display_name,omitempty" db:"external_display_name"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	ExpiresAt           time.Time `json:"expires_at" db:"expires_at"`
	Used                bool      `json:"used" db:"used"`
}

func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

type Conversation struct {
	ID        string    `json:"id" db:"id"`
	IsGroup   bool      `json:"is_group" db:"is_group"`
	Name      string    `json:"name,omitempty" db:"name"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Membership struct {
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	AccountID      string `json:"account_id" db:"account_id"`
}

type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	Seq            int64     `json:"seq" db:"seq"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	Sender         *Account  `json:"sender,omitempty" db:"-"`
}

// ConversationSummary is a conversation as seen from one member's chat list.
type ConversationSummary struct {
	Conversation
	Members     []Account `json:"members"`
	OtherMember *Account  `json:"other_member,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
}

// ActivityAt is the time a conversation sorts by in a chat list.
func (s *ConversationSummary) ActivityAt() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

const (
	EventMessage = "message"
	EventRead    = "read"
)

// Event is pushed to realtime subscribers of a conversation.
type Event struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	Message        *Message `json:"message,omitempty"`
	ReaderID       string   `json:"reader_id,omitempty"`
}

type StoreStats struct {
	Accounts      int64 `db:"accounts"`
	Conversations int64 `db:"conversations"`
	Messages      int64 `db:"messages"`
	ActiveCodes   int64 `db:"active_codes"`
}
