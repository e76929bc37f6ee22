package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"quackchat/internal/crypto"
	"quackchat/internal/metrics"
	"quackchat/internal/providers"
	"quackchat/internal/providers/registry"
	"quackchat/internal/storage"
)

type APIType string

const (
	APITypeOpenAI      APIType = registry.APITypeOpenAI
	APITypeAzureOpenAI APIType = registry.APITypeAzureOpenAI
)

const (
	DefaultName     = "Ollama"
	DefaultEndpoint = "http://localhost:11434/v1"

	// NoModel is shown when discovery produced nothing to pick from.
	NoModel = "(no model found)"
)

var ErrInvalidConnection = errors.New("connection name and endpoint are required")

type Connection struct {
	Name        string  `json:"name" yaml:"name"`
	APIEndpoint string  `json:"apiEndpoint" yaml:"api_endpoint"`
	APIKey      string  `json:"apiKey" yaml:"api_key"`
	APIType     APIType `json:"type" yaml:"api_type"`
	Model       string  `json:"model" yaml:"model"`
}

type Config struct {
	Store     storage.KV
	KeyPrefix string
	// Sealer encrypts API keys at rest. Without it keys are stored as given.
	Sealer  *crypto.Sealer
	Builder registry.Builder
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Seed replaces the default local connection on first start.
	Seed []Connection
}

// Registry holds named endpoints in insertion order and persists the whole
// list on every change.
type Registry struct {
	store   storage.KV
	key     string
	sealer  *crypto.Sealer
	builder registry.Builder
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	order []string
	byKey map[string]Connection
}

func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("connections: store is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "quack-norris"
	}
	if cfg.Builder == nil {
		cfg.Builder = registry.Build
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}
	r := &Registry{
		store:   cfg.Store,
		key:     cfg.KeyPrefix + "-llms",
		sealer:  cfg.Sealer,
		builder: cfg.Builder,
		log:     cfg.Logger.With().Str("component", "connections").Logger(),
		metrics: cfg.Metrics,
		byKey:   map[string]Connection{},
	}

	raw, err := r.store.Get(ctx, r.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		seed := cfg.Seed
		if len(seed) == 0 {
			seed = []Connection{{Name: DefaultName, APIEndpoint: DefaultEndpoint, APIType: APITypeOpenAI}}
		}
		for _, c := range seed {
			if err := validate(&c); err != nil {
				return nil, fmt.Errorf("seed connection %q: %w", c.Name, err)
			}
			r.put(c)
		}
		if err := r.persist(ctx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load connections: %w", err)
	default:
		if err := r.decode(raw); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add inserts or replaces the connection with the same name. A replaced entry
// keeps its position.
func (r *Registry) Add(ctx context.Context, c Connection) error {
	if err := validate(&c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	restore := r.snapshot()
	r.put(c)
	if err := r.persist(ctx); err != nil {
		restore()
		return err
	}
	return nil
}

// Remove deletes the named connection. Unknown names are a no-op.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[name]; !ok {
		return nil
	}
	restore := r.snapshot()
	delete(r.byKey, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	if err := r.persist(ctx); err != nil {
		restore()
		return err
	}
	return nil
}

// List returns a copy of all connections in insertion order.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

func (r *Registry) Get(name string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[name]
	return c, ok
}

// Resolve splits a qualified model on its first "/" and looks up the
// connection part.
func (r *Registry) Resolve(qualified string) (Connection, string, bool) {
	name, model, _ := strings.Cut(qualified, "/")
	c, ok := r.Get(name)
	if !ok {
		return Connection{}, "", false
	}
	return c, model, true
}

func (r *Registry) Provider(c Connection) (providers.Provider, error) {
	return r.builder(registry.BuildOptions{
		APIType: string(c.APIType),
		BaseURL: c.APIEndpoint,
		APIKey:  c.APIKey,
	})
}

// Models lists every qualified model id, sorted. Connections with a fixed model
// are not queried. A connection that cannot be reached is logged and skipped.
func (r *Registry) Models(ctx context.Context) []string {
	var models []string
	for _, c := range r.List() {
		if c.Model != "" {
			models = append(models, Qualify(c.Name, c.Model))
			continue
		}
		ids, err := r.discover(ctx, c)
		if err != nil {
			r.metrics.DiscoveryFailures.Inc()
			r.log.Warn().Err(err).Str("connection", c.Name).Str("endpoint", c.APIEndpoint).Msg("failed to list models")
			continue
		}
		for _, id := range ids {
			models = append(models, Qualify(c.Name, id))
		}
	}
	slices.Sort(models)
	return models
}

func (r *Registry) discover(ctx context.Context, c Connection) ([]string, error) {
	p, err := r.Provider(c)
	if err != nil {
		return nil, err
	}
	return p.Models(ctx)
}

func Qualify(connection, model string) string {
	return connection + "/" + model
}

// PickModel keeps preferred when it is still offered and otherwise falls back
// to the first model.
func PickModel(models []string, preferred string) string {
	if preferred != "" && slices.Contains(models, preferred) {
		return preferred
	}
	if len(models) > 0 {
		return models[0]
	}
	return NoModel
}

func validate(c *Connection) error {
	c.Name = strings.TrimSpace(c.Name)
	c.APIEndpoint = strings.TrimSpace(c.APIEndpoint)
	if c.Name == "" || c.APIEndpoint == "" || strings.Contains(c.Name, "/") {
		return ErrInvalidConnection
	}
	if c.APIType == "" {
		c.APIType = APITypeOpenAI
	}
	return nil
}

// snapshot returns a func that puts the current list back. r.mu must be held.
func (r *Registry) snapshot() func() {
	order, byKey := slices.Clone(r.order), maps.Clone(r.byKey)
	return func() { r.order, r.byKey = order, byKey }
}

func (r *Registry) put(c Connection) {
	if _, ok := r.byKey[c.Name]; !ok {
		r.order = append(r.order, c.Name)
	}
	r.byKey[c.Name] = c
}

// The blob is a list of [name, record] pairs.
func (r *Registry) persist(ctx context.Context) error {
	entries := make([][2]any, 0, len(r.order))
	for _, name := range r.order {
		c := r.byKey[name]
		if r.sealer != nil {
			sealed, err := r.sealer.Seal(c.APIKey)
			if err != nil {
				return fmt.Errorf("seal api key for %q: %w", name, err)
			}
			c.APIKey = sealed
		}
		entries = append(entries, [2]any{name, c})
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	var batch storage.Batch
	batch.Put(r.key, string(b))
	if err := r.store.Apply(ctx, batch); err != nil {
		return fmt.Errorf("persist connections: %w", err)
	}
	return nil
}

func (r *Registry) decode(raw string) error {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("decode connections: %w", err)
	}
	for _, entry := range entries {
		var pair []json.RawMessage
		if err := json.Unmarshal(entry, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("decode connection entry %s: malformed pair", entry)
		}
		var c Connection
		if err := json.Unmarshal(pair[1], &c); err != nil {
			return fmt.Errorf("decode connection entry: %w", err)
		}
		if c.APIType == "" {
			c.APIType = APITypeOpenAI
		}
		if r.sealer != nil && c.APIKey != "" {
			key, err := r.sealer.Open(c.APIKey)
			switch {
			case errors.Is(err, crypto.ErrNotSealed):
				r.log.Warn().Str("connection", c.Name).Msg("api key stored in clear text, it will be sealed on next write")
			case err != nil:
				return fmt.Errorf("open api key for %q: %w", c.Name, err)
			default:
				c.APIKey = key
			}
		}
		r.put(c)
	}
	return nil
}
