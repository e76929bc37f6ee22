package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quackchat/internal/connections"
	"quackchat/internal/conversation"
	"quackchat/internal/metrics"
	"quackchat/internal/queue"
)

// Service is the telegram front end of a single owner. Every command acts on
// the manager's current conversation.
type Service struct {
	conversations *conversation.Manager
	connections   *connections.Registry
	queue         *queue.AskQueue
	rateLimiter   *queue.RateLimiter
	wizard        *wizardStore
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	editInterval  time.Duration
	base          context.Context

	mu sync.Mutex
	// models backs the /model keyboard; buttons carry an index into it.
	models []string
}

type Config struct {
	Conversations *conversation.Manager
	Connections   *connections.Registry
	// Queue, RateLimiter and Redis are optional. Without them /ask and
	// /llm_add are unavailable.
	Queue        *queue.AskQueue
	RateLimiter  *queue.RateLimiter
	Redis        *redis.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	WizardTTL    time.Duration
	EditInterval time.Duration
	// Context bounds streaming answers. It defaults to context.Background.
	Context context.Context
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = time.Second
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	var wiz *wizardStore
	if cfg.Redis != nil {
		wiz = newWizardStore(cfg.Redis, cfg.WizardTTL)
	}
	return &Service{
		conversations: cfg.Conversations,
		connections:   cfg.Connections,
		queue:         cfg.Queue,
		rateLimiter:   cfg.RateLimiter,
		wizard:        wiz,
		logger:        cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:       m,
		editInterval:  cfg.EditInterval,
		base:          cfg.Context,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("new", s.newChat))
	d.AddHandler(handlers.NewCommand("chats", s.chats))
	d.AddHandler(handlers.NewCommand("rename", s.rename))
	d.AddHandler(handlers.NewCommand("delete", s.deleteChat))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("models", s.listModels))
	d.AddHandler(handlers.NewCommand("undo", s.undo))
	d.AddHandler(handlers.NewCommand("retry", s.retry))
	d.AddHandler(handlers.NewCommand("edit", s.edit))
	d.AddHandler(handlers.NewCommand("draft", s.draft))
	d.AddHandler(handlers.NewCommand("send", s.sendDraft))
	d.AddHandler(handlers.NewCommand("cancel", s.cancel))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("web", s.toggle(conversation.SettingWeb)))
	d.AddHandler(handlers.NewCommand("rag", s.toggle(conversation.SettingRAG)))
	d.AddHandler(handlers.NewCommand("tools", s.toggle(conversation.SettingTools)))
	d.AddHandler(handlers.NewCommand("llm_add", s.llmAdd))
	d.AddHandler(handlers.NewCommand("llm_list", s.llmList))
	d.AddHandler(handlers.NewCommand("llm_del", s.llmDel))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(message.Text, s.text))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

// current returns the selected conversation, starting a new one when nothing
// is selected.
func (s *Service) current(ctx context.Context) (*conversation.Conversation, error) {
	if c := s.conversations.Current(); c != nil {
		return c, nil
	}
	return s.conversations.NewConversation(ctx)
}

// RedactToken removes the bot token from telegram client errors.
func RedactToken(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}

func chatID(ctx *ext.Context) int64 {
	if ctx.EffectiveChat == nil {
		return 0
	}
	return ctx.EffectiveChat.Id
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
