package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"quackchat/internal/chat"
	"quackchat/internal/connections"
	"quackchat/internal/metrics"
	"quackchat/internal/providers"
)

// Texts delivered as assistant content instead of returned errors.
const (
	ErrTextModelUnavailable = "ERROR: The model '%s' is unavailable. Check your llm connections."
	ErrTextTransport        = "\n\nERROR: Failed to retrieve answer from the LLM."
	ErrTextAzureUnsupported = "ERROR: AzureOpenAI chat endpoint not implemented yet!"
	ErrTextUnsupportedAPI   = "ERROR: Unsupported chat API type!"
)

// Streamer produces the deltas of one answer. The channel is closed when the
// answer is complete, failed or ctx is cancelled.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []*chat.Message) <-chan string
}

type StreamFunc func(ctx context.Context, model string, messages []*chat.Message) <-chan string

func (f StreamFunc) Stream(ctx context.Context, model string, messages []*chat.Message) <-chan string {
	return f(ctx, model, messages)
}

// Tokens returns a closed channel that yields the given tokens.
func Tokens(tokens ...string) <-chan string {
	ch := make(chan string, len(tokens))
	for _, t := range tokens {
		ch <- t
	}
	close(ch)
	return ch
}

// Resolver maps a qualified model to a provider. *connections.Registry
// implements it.
type Resolver interface {
	Resolve(qualified string) (connections.Connection, string, bool)
	Provider(c connections.Connection) (providers.Provider, error)
}

type Config struct {
	Connections Resolver
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	// Buffer is the channel capacity handed to stream consumers.
	Buffer int
}

type Transport struct {
	conns   Resolver
	log     zerolog.Logger
	metrics *metrics.Metrics
	buffer  int
}

var _ Streamer = (*Transport)(nil)

func New(cfg Config) *Transport {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Unregistered()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	return &Transport{
		conns:   cfg.Connections,
		log:     cfg.Logger.With().Str("component", "llm").Logger(),
		metrics: cfg.Metrics,
		buffer:  cfg.Buffer,
	}
}

// Stream sends the history to the model and yields text deltas as they
// arrive. Failures never surface as errors: they end the channel with a
// readable error token. Cancelling ctx closes the channel without one.
func (t *Transport) Stream(ctx context.Context, model string, messages []*chat.Message) <-chan string {
	req := providers.Request{Messages: ToWire(messages), Stream: true}
	p, name, text := t.prepare(model)
	if p == nil {
		return Tokens(text)
	}
	req.Model = name

	out := make(chan string, t.buffer)
	go func() {
		defer close(out)
		t.metrics.StreamsStarted.Inc()
		err := p.Stream(ctx, req, func(delta string) error {
			select {
			case out <- delta:
				t.metrics.StreamTokens.Inc()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		text := t.failureText(model, err)
		select {
		case out <- text:
		case <-ctx.Done():
		}
	}()
	return out
}

// Complete is the non-streaming variant with the same error policy.
func (t *Transport) Complete(ctx context.Context, model string, messages []*chat.Message) string {
	req := providers.Request{Messages: ToWire(messages)}
	p, name, text := t.prepare(model)
	if p == nil {
		return text
	}
	req.Model = name

	answer, err := p.Complete(ctx, req)
	if err != nil {
		return t.failureText(model, err)
	}
	return answer
}

// prepare returns a provider, or nil and the token explaining why there is none.
func (t *Transport) prepare(model string) (providers.Provider, string, string) {
	conn, name, ok := t.conns.Resolve(model)
	if !ok {
		t.metrics.StreamFailures.WithLabelValues(metrics.KindConfig).Inc()
		t.log.Warn().Str("model", model).Msg("model does not resolve to a connection")
		return nil, "", fmt.Sprintf(ErrTextModelUnavailable, model)
	}
	p, err := t.conns.Provider(conn)
	if err != nil {
		t.metrics.StreamFailures.WithLabelValues(metrics.KindConfig).Inc()
		t.log.Warn().Err(err).Str("model", model).Str("api_type", string(conn.APIType)).Msg("no provider for connection")
		if errors.Is(err, providers.ErrUnsupportedAPI) {
			return nil, "", ErrTextUnsupportedAPI
		}
		return nil, "", ErrTextTransport
	}
	return p, name, ""
}

func (t *Transport) failureText(model string, err error) string {
	switch {
	case errors.Is(err, providers.ErrNotImplemented):
		t.metrics.StreamFailures.WithLabelValues(metrics.KindConfig).Inc()
		return ErrTextAzureUnsupported
	case errors.Is(err, providers.ErrProtocol):
		t.metrics.StreamFailures.WithLabelValues(metrics.KindParse).Inc()
	default:
		t.metrics.StreamFailures.WithLabelValues(metrics.KindTransport).Inc()
	}
	t.log.Error().Err(err).Str("model", model).Msg("llm request failed")
	return ErrTextTransport
}

// ToWire converts the history into chat completion messages: one text part,
// then one image part per attached image.
func ToWire(messages []*chat.Message) []providers.WireMessage {
	out := make([]providers.WireMessage, 0, len(messages))
	for _, m := range messages {
		images := m.Images()
		parts := make([]providers.Part, 0, 1+len(images))
		parts = append(parts, providers.Part{Type: providers.PartText, Text: m.Text()})
		for _, img := range images {
			parts = append(parts, providers.Part{Type: providers.PartImageURL, ImageURL: &providers.ImageURL{URL: img}})
		}
		out = append(out, providers.WireMessage{Role: m.WireRole(), Content: parts})
	}
	return out
}
