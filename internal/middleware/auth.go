package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/auth"
)

type contextKey string

const AccountIDKey contextKey = "account_id"

// AccountID returns the authenticated account of the request, or "".
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(AccountIDKey).(string)
	return id
}

// WithAccountID stores accountID in ctx.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// AuthMiddleware rejects requests without a valid session token. The token is
// read from the Authorization header, the session cookie, or the "token"
// query parameter (browsers cannot set headers on websocket upgrades).
func AuthMiddleware(sessions *auth.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				WriteError(w, r, apperr.Unauthenticated("missing session token"))
				return
			}

			accountID, err := sessions.Verify(token)
			if err != nil {
				WriteError(w, r, apperr.Wrap(apperr.CodeUnauthenticated, "invalid session token", err))
				return
			}

			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("account_id", accountID)
			})
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

// OptionalAuthMiddleware attaches the account of a valid session token, if
// any, and lets every request through.
func OptionalAuthMiddleware(sessions *auth.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			accountID, err := sessions.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("account_id", accountID)
			})
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
