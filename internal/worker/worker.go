package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quackchat/internal/chat"
	"quackchat/internal/metrics"
	"quackchat/internal/queue"
)

const maxReplyRunes = 4000

// Answerer runs a single non-streaming completion. *llm.Transport implements
// it.
type Answerer interface {
	Complete(ctx context.Context, model string, messages []*chat.Message) string
}

// DefaultModeler supplies the model for jobs that did not name one.
// *conversation.Manager implements it.
type DefaultModeler interface {
	DefaultModel(ctx context.Context) (string, error)
}

// Replier delivers an answer to the chat the job came from.
type Replier interface {
	Reply(ctx context.Context, chatID, replyTo int64, text string) error
}

type Worker struct {
	queue         *queue.AskQueue
	answerer      Answerer
	models        DefaultModeler
	replier       Replier
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.AskQueue
	Answerer      Answerer
	Models        DefaultModeler
	Replier       Replier
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		answerer:      cfg.Answerer,
		models:        cfg.Models,
		replier:       cfg.Replier,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.Prepare(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		deliveries, err := w.queue.Pull(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			w.handle(ctx, log, d)
		}
	}
}

// handle answers one delivery and always finishes it: a failed question is
// either retried with one more attempt or answered with an error.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	log = log.With().Str("entry", d.EntryID).Int64("chat_id", d.ChatID).Int("attempt", d.Attempt).Logger()

	err := w.answer(ctx, d.Question)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if doneErr := w.queue.Done(ctx, d); doneErr != nil {
			log.Error().Err(doneErr).Msg("failed to finish question")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Msg("question failed")

	if d.Attempt < w.maxJobRetries {
		if retryErr := w.queue.Retry(ctx, d); retryErr != nil {
			log.Error().Err(retryErr).Msg("failed to retry question")
		}
		return
	}

	_ = w.replier.Reply(ctx, d.ChatID, d.ReplyTo, "Could not answer this question. Please try again later.")
	if doneErr := w.queue.Done(ctx, d); doneErr != nil {
		log.Error().Err(doneErr).Msg("failed to finish abandoned question")
	}
}

func (w *Worker) answer(ctx context.Context, q queue.Question) error {
	model := strings.TrimSpace(q.Model)
	if model == "" {
		m, err := w.models.DefaultModel(ctx)
		if err != nil {
			return fmt.Errorf("default model: %w", err)
		}
		model = m
	}

	question := chat.NewMessage(q.Text, nil, chat.RoleUser)
	text := strings.TrimSpace(w.answerer.Complete(ctx, model, []*chat.Message{question}))
	if text == "" {
		text = "The model returned an empty response."
	}
	if r := []rune(text); len(r) > maxReplyRunes {
		text = string(r[:maxReplyRunes])
	}

	if err := w.replier.Reply(ctx, q.ChatID, q.ReplyTo, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
