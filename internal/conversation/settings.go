package conversation

import (
	"encoding/json"
	"maps"
)

const (
	SettingWeb   = "web"
	SettingRAG   = "rag"
	SettingTools = "tools"
)

// ToolGroup is a set of enabled tools, keyed by tool name.
type ToolGroup map[string]any

// Settings holds the per-conversation toggles. Unknown keys survive a
// load/save cycle through Extra.
type Settings struct {
	Web   ToolGroup
	RAG   ToolGroup
	Tools ToolGroup
	Extra map[string]any
}

// HasTools reports whether any retrieval or tool group is enabled.
func (s Settings) HasTools() bool {
	return len(s.Web) > 0 || len(s.RAG) > 0 || len(s.Tools) > 0
}

// Get returns the raw value stored under name. A tool group setting that was
// given a plain value is found in Extra.
func (s Settings) Get(name string) (any, bool) {
	if group := s.group(name); group != nil && *group != nil {
		return *group, true
	}
	v, ok := s.Extra[name]
	return v, ok
}

// set keeps exactly one value per name: a tool group field or an Extra entry.
func (s *Settings) set(name string, value any) {
	if group := s.group(name); group != nil {
		if g, ok := toToolGroup(value); ok {
			*group = g
			delete(s.Extra, name)
			return
		}
		*group = nil
	}
	if s.Extra == nil {
		s.Extra = map[string]any{}
	}
	s.Extra[name] = value
}

func (s *Settings) group(name string) *ToolGroup {
	switch name {
	case SettingWeb:
		return &s.Web
	case SettingRAG:
		return &s.RAG
	case SettingTools:
		return &s.Tools
	}
	return nil
}

func (s Settings) clone() Settings {
	return Settings{
		Web:   maps.Clone(s.Web),
		RAG:   maps.Clone(s.RAG),
		Tools: maps.Clone(s.Tools),
		Extra: maps.Clone(s.Extra),
	}
}

func toToolGroup(v any) (ToolGroup, bool) {
	switch t := v.(type) {
	case ToolGroup:
		return t, true
	case map[string]any:
		return ToolGroup(t), true
	case nil:
		return nil, true
	}
	return nil, false
}

func (s Settings) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.Web != nil {
		out[SettingWeb] = s.Web
	}
	if s.RAG != nil {
		out[SettingRAG] = s.RAG
	}
	if s.Tools != nil {
		out[SettingTools] = s.Tools
	}
	return json.Marshal(out)
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Settings{}
	for k, v := range raw {
		s.set(k, v)
	}
	return nil
}
