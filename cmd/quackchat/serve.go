package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quackchat/internal/metrics"
	"quackchat/internal/queue"
	"quackchat/internal/storage"
	"quackchat/internal/telegram"
	"quackchat/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the telegram bot, the /ask worker and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cancel)
		},
	}
}

func serve(ctx context.Context, cancel context.CancelFunc) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if err := cfg.RequireBot(); err != nil {
		return err
	}
	log.Info().
		Str("env", cfg.Env).
		Str("store", cfg.StoreDriver).
		Int64("owner_user_id", cfg.OwnerUserID).
		Msg("starting quackchat")

	// Redis backs the job queue, update dedupe and the connection wizard.
	// Without it the bot still chats.
	var rdb *redis.Client
	if client, err := storage.DialRedis(ctx, cfg.RedisURL); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, /ask and /llm_add are disabled")
	} else {
		rdb = client
		defer rdb.Close()
	}

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		return errors.New(telegram.RedactToken(fmt.Errorf("create telegram bot: %w", err), cfg.BotToken))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	m := metrics.Global()
	var asks *queue.AskQueue
	var dedupe *queue.UpdateDeduplicator
	var limiter *queue.RateLimiter
	if rdb != nil {
		asks = queue.NewAskQueue(rdb, queue.Options{
			Stream:   cfg.QueueStream,
			Group:    cfg.QueueGroup,
			Consumer: cfg.WorkerConsumerName,
			Block:    cfg.QueueBlock,
		})
		dedupe = queue.NewUpdateDeduplicator(rdb, cfg.UpdateDedupeTTL)
		limiter = queue.NewRateLimiter(rdb, cfg.AskRateLimit, cfg.AskRateWindow)
	}

	errCh := make(chan error, 4)
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(telegram.RedactToken(err, cfg.BotToken))
	}

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:      dedupe,
			Metrics:     m,
			Logger:      log.Logger,
			OwnerUserID: cfg.OwnerUserID,
		},
	})
	service := telegram.NewService(telegram.Config{
		Conversations: a.conversations,
		Connections:   a.connections,
		Queue:         asks,
		RateLimiter:   limiter,
		Redis:         rdb,
		Logger:        log.Logger,
		Metrics:       m,
		WizardTTL:     cfg.WizardTTL,
		EditInterval:  cfg.EditInterval,
		Context:       ctx,
	})
	service.Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})
	if err := updater.StartPolling(bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 50,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 60 * time.Second,
			},
		},
	}); err != nil {
		return errors.New(telegram.RedactToken(fmt.Errorf("start polling: %w", err), cfg.BotToken))
	}
	log.Info().Msg("polling started")

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if asks != nil {
		w := worker.New(worker.Config{
			Queue:         asks,
			Answerer:      a.transport,
			Models:        a.conversations,
			Replier:       telegram.Replier{Bot: bot},
			MaxJobRetries: cfg.WorkerMaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.WorkerConcurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if c := a.conversations.Current(); c != nil {
		c.Cancel()
	}
	if err := updater.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop updater")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return nil
}
