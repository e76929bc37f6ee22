package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quackchat/internal/connections"
)

const (
	stepName     = "name"
	stepEndpoint = "endpoint"
	stepAPIType  = "api_type"
	stepModel    = "model"
	stepAPIKey   = "api_key"
)

var connectionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

// llmWizardState is kept in redis between messages. The API key is the last
// step so it is never stored here.
type llmWizardState struct {
	Step     string `json:"step"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIType  string `json:"api_type"`
	Model    string `json:"model"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("quackchat:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state llmWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*llmWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state llmWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}

func (s *Service) beginWizard(ctx context.Context, uid int64) string {
	if s.wizard == nil {
		return "/llm_add needs redis, which is not configured. Use the connections command instead."
	}
	if err := s.wizard.Set(ctx, uid, llmWizardState{Step: stepName}); err != nil {
		return s.failed("start wizard", err)
	}
	return "Adding a connection. Send its name (letters, digits, _ . or -). /cancel stops."
}

// continueWizard feeds text into a running wizard. handled is false when the
// user has no wizard open.
func (s *Service) continueWizard(ctx context.Context, uid int64, text string) (reply string, handled bool) {
	if s.wizard == nil {
		return "", false
	}
	state, err := s.wizard.Get(ctx, uid)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
		return "Wizard state error. Start again with /llm_add.", true
	}
	if state == nil {
		return "", false
	}
	text = strings.TrimSpace(text)

	var next string
	switch state.Step {
	case stepName:
		if !connectionNameRegex.MatchString(text) {
			return "Invalid name. Use letters, digits, _ . or -.", true
		}
		if _, exists := s.connections.Get(text); exists {
			next = fmt.Sprintf("%s exists and will be replaced. Send the endpoint (example: http://localhost:11434/v1).", text)
		} else {
			next = "Send the endpoint (example: http://localhost:11434/v1)."
		}
		state.Name = text
		state.Step = stepEndpoint

	case stepEndpoint:
		u, err := url.Parse(text)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "Send an http or https URL.", true
		}
		state.Endpoint = text
		state.Step = stepAPIType
		next = "Send the API type: OpenAI or AzureOpenAI."

	case stepAPIType:
		apiType := normalizeAPIType(text)
		if apiType == "" {
			return "Supported API types: OpenAI or AzureOpenAI.", true
		}
		state.APIType = string(apiType)
		state.Step = stepModel
		next = "Send the preferred model, or '-' for none."

	case stepModel:
		if text != "-" {
			state.Model = text
		}
		state.Step = stepAPIKey
		next = "Send the API key, or '-' for none."

	case stepAPIKey:
		key := text
		if key == "-" {
			key = ""
		}
		conn := connections.Connection{
			Name:        state.Name,
			APIEndpoint: state.Endpoint,
			APIKey:      key,
			APIType:     connections.APIType(state.APIType),
			Model:       state.Model,
		}
		if err := s.connections.Add(ctx, conn); err != nil {
			s.logger.Error().Err(err).Str("connection", conn.Name).Msg("failed to add connection")
			return "Failed to save the connection. Try again with /llm_add.", true
		}
		_ = s.wizard.Clear(ctx, uid)
		return fmt.Sprintf("Connection %s saved. Pick a model with /model.", conn.Name), true

	default:
		_ = s.wizard.Clear(ctx, uid)
		return "Wizard state error. Start again with /llm_add.", true
	}

	if err := s.wizard.Set(ctx, uid, *state); err != nil {
		return s.failed("persist wizard state", err), true
	}
	return next, true
}

func normalizeAPIType(v string) connections.APIType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "openai", "openai-compat", "openai_compat":
		return connections.APITypeOpenAI
	case "azureopenai", "azure", "azure-openai", "azure_openai":
		return connections.APITypeAzureOpenAI
	default:
		return ""
	}
}
