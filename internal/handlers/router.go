package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/middleware"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	Auth     *AuthHandler
	Chat     *ChatHandler
	Sessions *auth.Sessions
	Store    Pinger
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

func NewRouter(cfg RouterConfig) *mux.Router {
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(cfg.Logger, cfg.Metrics))

	r.HandleFunc("/auth/login", cfg.Auth.Login).Methods("POST")
	r.Handle("/auth/logout", middleware.OptionalAuthMiddleware(cfg.Sessions)(http.HandlerFunc(cfg.Auth.Logout))).Methods("POST")
	r.HandleFunc("/healthz", health(cfg.Store)).Methods("GET")
	r.Handle("/metrics", metricsHandler).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.Sessions))

	api.HandleFunc("/me", cfg.Auth.Me).Methods("GET")
	api.HandleFunc("/accounts/search", cfg.Auth.SearchAccounts).Methods("GET")
	api.HandleFunc("/conversations", cfg.Chat.GetConversations).Methods("GET")
	api.HandleFunc("/conversations", cfg.Chat.CreateDirect).Methods("POST")
	api.HandleFunc("/conversations/group", cfg.Chat.CreateGroup).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages", cfg.Chat.GetMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", cfg.Chat.SendMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/read", cfg.Chat.MarkRead).Methods("POST")
	api.HandleFunc("/ws", cfg.Chat.ServeWs).Methods("GET")

	return r
}

func health(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
