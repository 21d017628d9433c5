package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/config"
	"github.com/pliu/chatty/internal/handlers"
	"github.com/pliu/chatty/internal/logger"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/scheduler"
	"github.com/pliu/chatty/internal/service"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/pliu/chatty/internal/telegram"
	"github.com/pliu/chatty/internal/ws"
)

var configPath = flag.String("config", "", "path to a YAML config file")

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN, sqlstore.WithLogger(log))
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
		return 1
	}
	defer store.Close()

	m := metrics.Default()

	hub := ws.NewHub(
		ws.WithLogger(log),
		ws.WithMetrics(m),
		ws.WithSendBuffer(cfg.Hub.SendBuffer),
		ws.WithGapTimeout(cfg.Hub.GapTimeout),
	)

	opts := []service.Option{service.WithLogger(log), service.WithMetrics(m)}
	codes := service.NewAuthCodeService(store, append(opts, service.WithCodeTTL(cfg.Auth.CodeTTL))...)
	conversations := service.NewConversationService(store, opts...)
	messages := service.NewMessageService(store, hub, opts...)

	sessions, err := auth.NewSessions(cfg.Auth.Secret, cfg.Auth.SessionTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to set up sessions")
		return 1
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth: &handlers.AuthHandler{
			Accounts:     codes,
			Search:       conversations,
			Sessions:     sessions,
			SecureCookie: cfg.HTTP.SecureCookies,
		},
		Chat:     &handlers.ChatHandler{Conversations: conversations, Messages: messages, Hub: hub},
		Sessions: sessions,
		Store:    store,
		Logger:   log,
		Metrics:  m,
	})

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.New(cfg.Telegram.Token, codes, cfg.Auth.CodeTTL, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to start telegram bot")
			return 1
		}
	} else {
		log.Warn().Msg("telegram token not set, login codes can not be delivered")
	}

	jobs := scheduler.New(store, scheduler.Config{
		GaugesInterval: cfg.Scheduler.GaugesInterval,
		CodeRetention:  cfg.Scheduler.CodeRetention,
	}, m, log)

	if err := serve(ctx, cfg, log, router, hub, bot, jobs); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return 1
	}
	log.Info().Msg("server stopped")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger, router http.Handler, hub *ws.Hub, bot *telegram.Bot, jobs *scheduler.Scheduler) error {
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if bot != nil {
		g.Go(func() error { return bot.Run(gCtx) })
	}

	g.Go(func() error { return jobs.Run(gCtx) })

	return g.Wait()
}
