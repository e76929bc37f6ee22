// Package chat holds the single-turn message model shared by the conversation
// core, the transport and the UI shells.
package chat

import (
	"slices"
	"sync"
)

const (
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleAssistant = "assistant"
)

// MessageListener receives incremental text updates. OnExtendText gets the raw
// chunk, never the cumulative text.
type MessageListener struct {
	OnExtendText func(chunk string)
}

// Message is one turn. Assistant turns carry the qualified model that produced
// them as role.
type Message struct {
	mu        sync.Mutex
	text      string
	images    []string
	role      string
	listeners []*MessageListener
}

// Record is the persisted shape of a message.
type Record struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
	Role   string   `json:"role"`
}

func NewMessage(text string, images []string, role string) *Message {
	if role == "" {
		role = RoleUser
	}
	if images == nil {
		images = []string{}
	}
	return &Message{text: text, images: slices.Clone(images), role: role}
}

func FromRecord(r Record) *Message {
	return NewMessage(r.Text, r.Images, r.Role)
}

func (m *Message) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Record{Text: m.text, Images: slices.Clone(m.images), Role: m.role}
}

func (m *Message) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

func (m *Message) Images() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.images)
}

func (m *Message) Role() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsUser reports whether the message was written by the end user.
func (m *Message) IsUser() bool {
	return m.Role() == RoleUser
}

// WireRole maps the stored role onto the three roles understood by
// OpenAI-compatible endpoints.
func (m *Message) WireRole() string {
	switch role := m.Role(); role {
	case RoleUser, RoleSystem:
		return role
	default:
		return RoleAssistant
	}
}

func (m *Message) AddListener(l *MessageListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Message) RemoveListener(l *MessageListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := slices.Index(m.listeners, l); idx >= 0 {
		m.listeners = slices.Delete(m.listeners, idx, idx+1)
	}
}

// ExtendText appends chunk and notifies listeners before returning.
func (m *Message) ExtendText(chunk string) {
	m.mu.Lock()
	m.text += chunk
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		if l.OnExtendText != nil {
			l.OnExtendText(chunk)
		}
	}
}
