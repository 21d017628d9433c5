package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/models"
)

// Accounts is the account side of the auth code service.
type Accounts interface {
	RedeemCode(ctx context.Context, code string) (*models.Account, error)
	CurrentAccount(ctx context.Context, accountID string) (*models.Account, error)
	Touch(ctx context.Context, accountID string) error
}

// AccountSearcher finds accounts to start conversations with.
type AccountSearcher interface {
	SearchAccounts(ctx context.Context, requesterID, query string, limit int) ([]models.Account, error)
}

type LoginRequest struct {
	Code string `json:"code"`
}

type LoginResponse struct {
	Account *models.Account `json:"account"`
	Token   string          `json:"token"`
}

type AuthHandler struct {
	Accounts     Accounts
	Search       AccountSearcher
	Sessions     *auth.Sessions
	SecureCookie bool
}

// Login redeems a login code, sets the session cookie and returns the
// account with its session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, apperr.InvalidArgument("invalid request body"))
		return
	}

	account, err := h.Accounts.RedeemCode(r.Context(), req.Code)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	token, err := h.Sessions.Issue(account.ID)
	if err != nil {
		middleware.WriteError(w, r, apperr.Wrap(apperr.CodeInternal, "failed to create session", err))
		return
	}

	http.SetCookie(w, h.Sessions.Cookie(token, h.SecureCookie))
	middleware.WriteJSON(w, http.StatusOK, LoginResponse{Account: account, Token: token})
}

// Logout clears the session cookie and, for a signed-in caller, records the
// time as last seen. Bearer tokens stay valid until they expire.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if accountID := middleware.AccountID(r.Context()); accountID != "" {
		if err := h.Accounts.Touch(r.Context(), accountID); err != nil && apperr.CodeOf(err) != apperr.CodeNotFound {
			hlog.FromRequest(r).Warn().Err(err).Msg("failed to record last seen on logout")
		}
	}

	cookie := h.Sessions.Cookie("", h.SecureCookie)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, err := h.Accounts.CurrentAccount(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			err = apperr.Unauthenticated("account no longer exists")
		}
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, account)
}

func (h *AuthHandler) SearchAccounts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, err := limitParam(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	accounts, err := h.Search.SearchAccounts(r.Context(), middleware.AccountID(r.Context()), query, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, accounts)
}

// limitParam parses the optional "limit" query parameter. Zero means the
// service default.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperr.InvalidArgument("limit must be a non-negative integer")
	}
	return limit, nil
}
