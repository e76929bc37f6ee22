package registry

import (
	"fmt"
	"net/http"
	"time"

	"quackchat/internal/providers"
	"quackchat/internal/providers/azure_openai"
	"quackchat/internal/providers/openai_compat"
)

const (
	APITypeOpenAI      = "OpenAI"
	APITypeAzureOpenAI = "AzureOpenAI"
)

type BuildOptions struct {
	APIType     string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

// Builder turns stored connection settings into a provider client.
type Builder func(opts BuildOptions) (providers.Provider, error)

func Build(opts BuildOptions) (providers.Provider, error) {
	cfg := openai_compat.Config{
		BaseURL:     opts.BaseURL,
		APIKey:      opts.APIKey,
		HTTPClient:  opts.HTTPClient,
		Timeout:     opts.Timeout,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
	}
	switch opts.APIType {
	case APITypeOpenAI, "":
		return openai_compat.New(cfg), nil
	case APITypeAzureOpenAI:
		return azure_openai.New(cfg), nil
	default:
		return nil, fmt.Errorf("api type %q: %w", opts.APIType, providers.ErrUnsupportedAPI)
	}
}

// WithDefaults returns a Builder that fills transport settings the stored
// connection does not carry.
func WithDefaults(defaults BuildOptions) Builder {
	return func(opts BuildOptions) (providers.Provider, error) {
		if opts.HTTPClient == nil {
			opts.HTTPClient = defaults.HTTPClient
		}
		if opts.Timeout == 0 {
			opts.Timeout = defaults.Timeout
		}
		if opts.MaxRetries == 0 {
			opts.MaxRetries = defaults.MaxRetries
		}
		if opts.BackoffBase == 0 {
			opts.BackoffBase = defaults.BackoffBase
		}
		return Build(opts)
	}
}
