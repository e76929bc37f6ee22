package conversation

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quackchat/internal/llm"
	"quackchat/internal/metrics"
	"quackchat/internal/storage"
)

const (
	DefaultName  = "unnamed"
	DefaultModel = "select model"
)

// ManagerListener callbacks run after the store was updated. Nil callbacks are
// skipped.
type ManagerListener struct {
	OnAdded    func(id, name string)
	OnRenamed  func(id, name string)
	OnModified func(id string)
	OnRemoved  func(id string)
	OnSelected func(c *Conversation)
}

// IndexEntry is the stored metadata for one conversation. Modified is in
// milliseconds since the epoch.
type IndexEntry struct {
	Name     string `json:"name"`
	Modified int64  `json:"modified"`
}

type Summary struct {
	ID       string
	Name     string
	Modified time.Time
}

type Config struct {
	Store     storage.KV
	Streamer  llm.Streamer
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	KeyPrefix string
	Now       func() time.Time
	NewID     func() string
}

// Manager owns the conversation index and the current conversation. Index
// entries and payloads are always written in the same batch.
type Manager struct {
	store    storage.KV
	streamer llm.Streamer
	log      zerolog.Logger
	metrics  *metrics.Metrics
	prefix   string
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	index   map[string]IndexEntry
	current *Conversation
	// background holds conversations left while their answer was still
	// streaming, so selecting them again returns the same instance.
	background map[string]*Conversation
	listeners  []*ManagerListener
}

var _ Saver = (*Manager)(nil)

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("conversation: streamer is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "quack-norris"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}
	m := &Manager{
		store:    cfg.Store,
		streamer: cfg.Streamer,
		log:      cfg.Logger.With().Str("component", "conversations").Logger(),
		metrics:  cfg.Metrics,
		prefix:   cfg.KeyPrefix,
		now:      cfg.Now,
		newID:    cfg.NewID,
		index:    map[string]IndexEntry{},

		background: map[string]*Conversation{},
	}

	raw, err := m.store.Get(ctx, m.indexKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load conversation index: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &m.index); err != nil {
			return nil, fmt.Errorf("decode conversation index: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) indexKey() string { return m.prefix + "-conversations" }

func (m *Manager) payloadKey(id string) string { return m.prefix + "-conversation-" + id }

func (m *Manager) defaultModelKey() string { return m.prefix + "-default-model" }

// Conversations lists the index, most recently modified first.
func (m *Manager) Conversations() []Summary {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.index))
	for id, e := range m.index {
		out = append(out, Summary{ID: id, Name: e.Name, Modified: time.UnixMilli(e.Modified)})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.Modified.Compare(a.Modified); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (m *Manager) Entry(id string) (IndexEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	return e, ok
}

func (m *Manager) Current() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// NewConversation registers an empty conversation on the default model and
// selects it.
func (m *Manager) NewConversation(ctx context.Context) (*Conversation, error) {
	model, err := m.DefaultModel(ctx)
	if err != nil {
		return nil, err
	}
	c := New(model)
	if _, err := m.AddConversation(ctx, DefaultName, c); err != nil {
		return nil, err
	}
	m.setCurrent(c)
	return c, nil
}

// AddConversation assigns a fresh id to c, stores it and returns the id.
func (m *Manager) AddConversation(ctx context.Context, name string, c *Conversation) (string, error) {
	m.mu.Lock()
	id := m.newID()
	for {
		if _, taken := m.index[id]; !taken && id != "" {
			break
		}
		id = m.newID()
	}
	m.mu.Unlock()

	c.attach(id, m, m.streamer)
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode conversation %s: %w", id, err)
	}

	m.mu.Lock()
	m.index[id] = IndexEntry{Name: name, Modified: m.now().UnixMilli()}
	err = m.writeLocked(ctx, func(b *storage.Batch) { b.Put(m.payloadKey(id), string(payload)) })
	if err != nil {
		delete(m.index, id)
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	if err != nil {
		c.attach("", nil, nil)
		return "", err
	}

	for _, l := range listeners {
		if l.OnAdded != nil {
			l.OnAdded(id, name)
		}
	}
	return id, nil
}

// SelectConversation makes id current. It returns false when id is not
// stored.
func (m *Manager) SelectConversation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	if m.current != nil && m.current.ID() == id {
		m.mu.Unlock()
		return true, nil
	}
	_, ok := m.index[id]
	live := m.background[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if live != nil {
		m.setCurrent(live)
		return true, nil
	}

	raw, err := m.store.Get(ctx, m.payloadKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Warn().Str("conversation", id).Msg("index entry without payload")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load conversation %s: %w", id, err)
	}
	c, err := FromJSON(id, []byte(raw))
	if err != nil {
		return false, err
	}
	c.attach(id, m, m.streamer)
	m.setCurrent(c)
	return true, nil
}

func (m *Manager) setCurrent(c *Conversation) {
	m.mu.Lock()
	maps.DeleteFunc(m.background, func(_ string, bg *Conversation) bool { return !bg.Busy() })
	if prev := m.current; prev != nil && prev != c && prev.Busy() {
		m.background[prev.ID()] = prev
	}
	delete(m.background, c.ID())
	m.current = c
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		if l.OnSelected != nil {
			l.OnSelected(c)
		}
	}
}

// SaveConversation writes the payload of a registered conversation and bumps
// its modified time. Unregistered conversations are a caller bug and fail with
// ErrMissingID or ErrUnknownConversation.
func (m *Manager) SaveConversation(ctx context.Context, c *Conversation) error {
	id := c.ID()
	if id == "" {
		return ErrMissingID
	}
	// Encode under the manager lock so concurrent saves land in order.
	m.mu.Lock()
	prev, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("save %s: %w", id, ErrUnknownConversation)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encode conversation %s: %w", id, err)
	}
	next := prev
	next.Modified = max(m.now().UnixMilli(), prev.Modified+1)
	m.index[id] = next
	err = m.writeLocked(ctx, func(b *storage.Batch) { b.Put(m.payloadKey(id), string(payload)) })
	if err != nil {
		m.index[id] = prev
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Str("conversation", id).Msg("failed to save conversation")
		return err
	}
	m.metrics.ConversationSaves.Inc()

	for _, l := range listeners {
		if l.OnModified != nil {
			l.OnModified(id)
		}
	}
	return nil
}

func (m *Manager) RenameConversation(ctx context.Context, id, name string) error {
	m.mu.Lock()
	prev, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("rename %s: %w", id, ErrUnknownConversation)
	}
	next := prev
	next.Name = name
	m.index[id] = next
	err := m.writeLocked(ctx, nil)
	if err != nil {
		m.index[id] = prev
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, l := range listeners {
		if l.OnRenamed != nil {
			l.OnRenamed(id, name)
		}
	}
	return nil
}

// RemoveConversation deletes the index entry and the payload. A stream still
// running on id is canceled. Removing the current conversation leaves nothing
// selected.
func (m *Manager) RemoveConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	prev, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrUnknownConversation)
	}
	delete(m.index, id)
	err := m.writeLocked(ctx, func(b *storage.Batch) { b.Remove(m.payloadKey(id)) })
	if err != nil {
		m.index[id] = prev
		m.mu.Unlock()
		return err
	}
	var removed []*Conversation
	if m.current != nil && m.current.ID() == id {
		removed = append(removed, m.current)
		m.current = nil
	}
	if bg, ok := m.background[id]; ok {
		removed = append(removed, bg)
		delete(m.background, id)
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, c := range removed {
		c.Cancel()
		c.ClearListeners()
	}
	for _, l := range listeners {
		if l.OnRemoved != nil {
			l.OnRemoved(id)
		}
	}
	return nil
}

// writeLocked stores the index together with whatever extra adds. m.mu must be
// held.
func (m *Manager) writeLocked(ctx context.Context, extra func(*storage.Batch)) error {
	idx, err := json.Marshal(m.index)
	if err != nil {
		return fmt.Errorf("encode conversation index: %w", err)
	}
	var b storage.Batch
	b.Put(m.indexKey(), string(idx))
	if extra != nil {
		extra(&b)
	}
	if err := m.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("write conversations: %w", err)
	}
	return nil
}

// DefaultModel is the model new conversations start with.
func (m *Manager) DefaultModel(ctx context.Context) (string, error) {
	v, err := m.store.Get(ctx, m.defaultModelKey())
	if errors.Is(err, storage.ErrNotFound) || (err == nil && v == "") {
		return DefaultModel, nil
	}
	if err != nil {
		return "", fmt.Errorf("load default model: %w", err)
	}
	return v, nil
}

func (m *Manager) SetDefaultModel(ctx context.Context, model string) error {
	var b storage.Batch
	b.Put(m.defaultModelKey(), model)
	if err := m.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("store default model: %w", err)
	}
	return nil
}

func (m *Manager) AddListener(l *ManagerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) RemoveListener(l *ManagerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = slices.DeleteFunc(m.listeners, func(x *ManagerListener) bool { return x == l })
}

func (m *Manager) ClearListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = nil
}
