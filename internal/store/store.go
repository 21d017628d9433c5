package store

import (
	"context"
	"time"

	"github.com/pliu/chatty/internal/models"
)

// Store is the single source of truth for accounts, auth codes, conversations
// and messages. Implementations report failures as apperr values: NOT_FOUND,
// ALREADY_USED and EXPIRED for lifecycle outcomes, UNAVAILABLE for backend errors.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	Stats(ctx context.Context, now time.Time) (models.StoreStats, error)

	// Auth code operations
	CreateAuthCode(ctx context.Context, code *models.AuthCode) error
	// CreateAuthCodeIfFree atomically inserts code unless its digits are
	// already live at code.CreatedAt, reporting taken instead.
	CreateAuthCodeIfFree(ctx context.Context, code *models.AuthCode) (taken bool, err error)
	ActiveCodeExists(ctx context.Context, code string, now time.Time) (bool, error)
	// RedeemAuthCode flips used false->true with a conditional update and
	// upserts the account for the code's external id, in one transaction.
	RedeemAuthCode(ctx context.Context, code string, now time.Time) (*models.Account, error)
	PurgeAuthCodes(ctx context.Context, expiredBefore time.Time) (int64, error)

	// Account operations
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	GetAccountByExternalID(ctx context.Context, externalID int64) (*models.Account, error)
	UpsertAccount(ctx context.Context, account *models.Account) (*models.Account, error)
	TouchAccount(ctx context.Context, id string, at time.Time) error
	SearchAccounts(ctx context.Context, excludeID, query string, limit int) ([]models.Account, error)

	// Conversation operations
	// CreateConversation inserts the conversation and its memberships
	// atomically. For direct conversations it returns the existing row when
	// the member pair already has one.
	CreateConversation(ctx context.Context, conv *models.Conversation, memberIDs []string) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	IsMember(ctx context.Context, conversationID, accountID string) (bool, error)
	GetMembers(ctx context.Context, conversationID string) ([]models.Account, error)
	ListConversationSummaries(ctx context.Context, accountID string) ([]models.ConversationSummary, error)

	// Message operations
	// AppendMessage assigns ID, Seq and CreatedAt and commits the message.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	LatestSeq(ctx context.Context, conversationID string) (int64, error)
}
