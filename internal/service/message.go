package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

type MessageService struct {
	store     store.Store
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	opts      options
}

// NewMessageService creates the service. A nil publisher disables realtime
// fan-out.
func NewMessageService(st store.Store, publisher Publisher, opts ...Option) *MessageService {
	o := buildOptions(opts)
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &MessageService{
		store:     st,
		publisher: publisher,
		logger:    o.logger.With().Str("component", "messages").Logger(),
		metrics:   o.metrics,
		opts:      o,
	}
}

// Send commits a message and then hands it to the publisher.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.InvalidArgument("message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "message content exceeds %d characters", MaxContentLength)
	}
	if err := requireMember(ctx, s.store, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.opts.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.MessagesSent.Inc()

	sender, err := s.store.GetAccountByID(ctx, senderID)
	if err != nil {
		// The message is committed; subscribers still get it without the profile.
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to load sender for message")
	} else {
		msg.Sender = sender
	}

	s.publisher.Publish(*msg)
	return msg, nil
}

// List returns the latest limit messages of the conversation, oldest first.
func (s *MessageService) List(ctx context.Context, conversationID, readerID string, limit int) ([]models.Message, error) {
	if err := requireMember(ctx, s.store, conversationID, readerID); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, conversationID, clampLimit(limit, DefaultMessageLimit, MaxMessageLimit))
}

// MarkRead marks every message from other members as read and reports how
// many changed. Subscribers get a read event when anything changed.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := requireMember(ctx, s.store, conversationID, readerID); err != nil {
		return 0, err
	}

	n, err := s.store.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.ReadMarks.Add(float64(n))
		s.publisher.PublishRead(models.Event{
			Type:           models.EventRead,
			ConversationID: conversationID,
			ReaderID:       readerID,
		})
	}
	return n, nil
}
