package azure_openai

import (
	"context"
	"fmt"

	"quackchat/internal/providers"
	"quackchat/internal/providers/openai_compat"
)

// Client exposes an Azure deployment. Only model discovery works; Azure
// serves the same /models listing as the OpenAI flavor.
type Client struct {
	baseURL string
	lister  *openai_compat.Client
}

func New(cfg openai_compat.Config) *Client {
	return &Client{baseURL: cfg.BaseURL, lister: openai_compat.New(cfg)}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Stream(ctx context.Context, req providers.Request, emit func(string) error) error {
	return fmt.Errorf("azure chat endpoint %s: %w", c.baseURL, providers.ErrNotImplemented)
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (string, error) {
	return "", fmt.Errorf("azure chat endpoint %s: %w", c.baseURL, providers.ErrNotImplemented)
}

func (c *Client) Models(ctx context.Context) ([]string, error) {
	return c.lister.Models(ctx)
}
