package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotImplemented is returned by API flavors that exist in the registry
	// but have no chat implementation yet.
	ErrNotImplemented = errors.New("provider not implemented")
	// ErrUnsupportedAPI is returned by the builder for unknown API types.
	ErrUnsupportedAPI = errors.New("unsupported api type")
	// ErrProtocol wraps responses that arrived but could not be decoded.
	ErrProtocol = errors.New("malformed provider response")
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

type ImageURL struct {
	URL string `json:"url"`
}

type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MarshalJSON always writes "text" on text parts, even when empty.
func (p Part) MarshalJSON() ([]byte, error) {
	if p.Type == PartText {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	}
	type plain Part
	return json.Marshal(plain(p))
}

// WireMessage is one entry of the chat completions "messages" array.
type WireMessage struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

type Request struct {
	Model    string        `json:"model"`
	Messages []WireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Provider talks to one remote endpoint. Stream calls emit once per text delta
// in arrival order and stops at the first error emit returns.
type Provider interface {
	Stream(ctx context.Context, req Request, emit func(string) error) error
	Complete(ctx context.Context, req Request) (string, error)
	Models(ctx context.Context) ([]string, error)
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.Code)
	}
	return fmt.Sprintf("provider status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}
