package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"quackchat/internal/connections"
)

const (
	cbPrefix = "qc:"

	cbChat  = cbPrefix + "chat:"
	cbModel = cbPrefix + "model:"
	cbNew   = cbPrefix + "new"

	maxKeyboardRows = 20
)

func (s *Service) helpText() string {
	return strings.Join([]string{
		"Send any text to chat with the current conversation.",
		"",
		"Conversations:",
		"/new - start a conversation",
		"/chats - switch conversation",
		"/rename <name>",
		"/delete - delete the current conversation",
		"",
		"Messages:",
		"/undo - remove the last exchange",
		"/retry - answer the last message again",
		"/edit - move the last message into the draft",
		"/draft [text] - show or set the draft",
		"/send - send the draft",
		"/cancel - stop the answer or the wizard",
		"/ask <text> - one-shot question, answered from the queue",
		"",
		"Models and connections:",
		"/model [connection/model]",
		"/models",
		"/llm_add, /llm_list, /llm_del <name>",
		"",
		"Settings: /web, /rag, /tools on|off",
	}, "\n")
}

func (s *Service) chatsText() (string, *gotgbot.InlineKeyboardMarkup) {
	list := s.conversations.Conversations()
	current := ""
	if c := s.conversations.Current(); c != nil {
		current = c.ID()
	}

	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(list)+1)
	for i, item := range list {
		if i == maxKeyboardRows {
			break
		}
		label := fmt.Sprintf("%s · %s", item.Name, item.Modified.Local().Format("Jan 2 15:04"))
		if item.ID == current {
			label = "● " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: cbChat + item.ID}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "New conversation", CallbackData: cbNew}})

	text := "Conversations:"
	if len(list) == 0 {
		text = "No conversations yet."
	}
	return text, &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// modelsKeyboard discovers models and remembers the list so buttons can refer
// to entries by index.
func (s *Service) modelsKeyboard(ctx context.Context) (string, *gotgbot.InlineKeyboardMarkup) {
	models := s.connections.Models(ctx)
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()

	if len(models) == 0 {
		return connections.NoModel, nil
	}
	current := ""
	if c := s.conversations.Current(); c != nil {
		current = c.Model()
	}
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(models))
	for i, m := range models {
		if i == maxKeyboardRows {
			break
		}
		label := m
		if m == current {
			label = "● " + m
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: cbModel + strconv.Itoa(i)}})
	}
	return "Pick a model:", &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (s *Service) modelAt(idx int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.models) {
		return "", false
	}
	return s.models[idx], true
}

func (s *Service) modelsText(ctx context.Context) string {
	models := s.connections.Models(ctx)
	if len(models) == 0 {
		return connections.NoModel
	}
	return "Models:\n" + strings.Join(models, "\n")
}

func (s *Service) connectionsText() string {
	list := s.connections.List()
	if len(list) == 0 {
		return "No connections configured. Add one with /llm_add."
	}
	lines := []string{"Connections:"}
	for _, c := range list {
		line := fmt.Sprintf("- %s [%s] %s", c.Name, c.APIType, c.APIEndpoint)
		if c.Model != "" {
			line += " (" + c.Model + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil || text == "" {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
