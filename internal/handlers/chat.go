package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/ws"
)

type Conversations interface {
	ListForAccount(ctx context.Context, accountID string) ([]models.ConversationSummary, error)
	GetOrCreateDirect(ctx context.Context, accountID, otherID string) (*models.Conversation, error)
	CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (*models.Conversation, error)
	SubscribeCursor(ctx context.Context, conversationID, accountID string) (int64, error)
}

type Messages interface {
	Send(ctx context.Context, conversationID, senderID, content string) (*models.Message, error)
	List(ctx context.Context, conversationID, readerID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type ChatHandler struct {
	Conversations Conversations
	Messages      Messages
	Hub           *ws.Hub
}

type CreateDirectRequest struct {
	OtherAccountID string `json:"other_account_id"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

func (h *ChatHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Conversations.ListForAccount(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summaries)
}

// CreateDirect returns the direct conversation with another account,
// creating it if needed.
func (h *ChatHandler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherAccountID == "" {
		middleware.WriteError(w, r, apperr.InvalidArgument("other_account_id is required"))
		return
	}

	conv, err := h.Conversations.GetOrCreateDirect(r.Context(), middleware.AccountID(r.Context()), req.OtherAccountID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, apperr.InvalidArgument("invalid request body"))
		return
	}

	conv, err := h.Conversations.CreateGroup(r.Context(), middleware.AccountID(r.Context()), req.Name, req.MemberIDs)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, conv)
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	messages, err := h.Messages.List(r.Context(), mux.Vars(r)["id"], middleware.AccountID(r.Context()), limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, apperr.InvalidArgument("invalid request body"))
		return
	}

	msg, err := h.Messages.Send(r.Context(), mux.Vars(r)["id"], middleware.AccountID(r.Context()), req.Content)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Messages.MarkRead(r.Context(), mux.Vars(r)["id"], middleware.AccountID(r.Context()))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

// ServeWs upgrades to the realtime connection of the authenticated account.
func (h *ChatHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(h.Hub, h.Conversations, w, r, middleware.AccountID(r.Context()))
}
