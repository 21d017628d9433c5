package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

type ConversationService struct {
	store  store.Store
	logger zerolog.Logger
	opts   options
}

func NewConversationService(st store.Store, opts ...Option) *ConversationService {
	o := buildOptions(opts)
	return &ConversationService{
		store:  st,
		logger: o.logger.With().Str("component", "conversations").Logger(),
		opts:   o,
	}
}

// ListForAccount returns the account's conversations, most recently active
// first.
func (s *ConversationService) ListForAccount(ctx context.Context, accountID string) ([]models.ConversationSummary, error) {
	return s.store.ListConversationSummaries(ctx, accountID)
}

// GetOrCreateDirect returns the direct conversation between the two accounts,
// creating it on first use. Argument order does not matter and concurrent
// callers all receive the same conversation.
func (s *ConversationService) GetOrCreateDirect(ctx context.Context, accountID, otherID string) (*models.Conversation, error) {
	if accountID == otherID {
		return nil, apperr.InvalidArgument("cannot start a conversation with yourself")
	}
	if _, err := s.store.GetAccountByID(ctx, otherID); err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, apperr.NotFound("account not found")
		}
		return nil, err
	}

	conv, err := s.store.FindDirectConversation(ctx, accountID, otherID)
	if err == nil {
		return conv, nil
	}
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		return nil, err
	}

	conv, err = s.store.CreateConversation(ctx, &models.Conversation{
		CreatedBy: accountID,
		CreatedAt: s.opts.now(),
	}, []string{accountID, otherID})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("conversation_id", conv.ID).Str("account_id", accountID).Msg("direct conversation ready")
	return conv, nil
}

// CreateGroup creates a named conversation. The creator is always a member
// and duplicate member ids are ignored.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidArgument("group name is required")
	}

	seen := map[string]bool{creatorID: true}
	members := []string{creatorID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, apperr.InvalidArgument("a group needs at least one other member")
	}

	for _, id := range members {
		if _, err := s.store.GetAccountByID(ctx, id); err != nil {
			if apperr.CodeOf(err) == apperr.CodeNotFound {
				return nil, apperr.Newf(apperr.CodeNotFound, "account %s not found", id)
			}
			return nil, err
		}
	}

	conv, err := s.store.CreateConversation(ctx, &models.Conversation{
		IsGroup:   true,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: s.opts.now(),
	}, members)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("conversation_id", conv.ID).Int("members", len(members)).Msg("group created")
	return conv, nil
}

// SearchAccounts finds other accounts by username or display name.
func (s *ConversationService) SearchAccounts(ctx context.Context, requesterID, query string, limit int) ([]models.Account, error) {
	limit = clampLimit(limit, DefaultSearchLimit, MaxSearchLimit)
	return s.store.SearchAccounts(ctx, requesterID, strings.TrimSpace(query), limit)
}

func (s *ConversationService) IsMember(ctx context.Context, conversationID, accountID string) (bool, error) {
	return s.store.IsMember(ctx, conversationID, accountID)
}

// SubscribeCursor authorizes a realtime subscription and returns the
// sequence number of the newest committed message. Pushes start after it, so
// clients fetch history after subscribing and merge the two by seq.
func (s *ConversationService) SubscribeCursor(ctx context.Context, conversationID, accountID string) (int64, error) {
	if err := requireMember(ctx, s.store, conversationID, accountID); err != nil {
		return 0, err
	}
	return s.store.LatestSeq(ctx, conversationID)
}

func requireMember(ctx context.Context, st store.Store, conversationID, accountID string) error {
	ok, err := st.IsMember(ctx, conversationID, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.PermissionDenied("not a member of this conversation")
	}
	return nil
}
