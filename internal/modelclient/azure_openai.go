package modelclient

import (
	"context"
	"fmt"
	"net/http"
)

const azureAPIVersion = "2024-06-01"

// azureOpenAIClient talks to an enterprise deployment: a customer-owned
// endpoint and deployment name stand in for the model name the hosted API
// would otherwise take directly.
type azureOpenAIClient struct {
	creds  Credentials
	client *http.Client
}

// NewAzureOpenAIFactory returns a Factory for the enterprise-deployment
// variant.
func NewAzureOpenAIFactory() Factory {
	return func(creds Credentials, httpClient *http.Client) Client {
		return &azureOpenAIClient{creds: creds, client: httpClient}
	}
}

func (c *azureOpenAIClient) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.creds.Endpoint, c.creds.Deployment, azureAPIVersion)
}

func (c *azureOpenAIClient) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
	req := chatCompletionRequest{
		Messages:         []chatMessage{{Role: "user", Content: opts.Prompt}},
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		MaxTokens:        opts.MaxTokens,
	}

	var resp chatCompletionResponse
	headers := map[string]string{"api-key": c.creds.APIKey}
	if err := postJSON(ctx, c.client, c.url(), headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *azureOpenAIClient) GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error) {
	return chunkedStream(ctx, func(ctx context.Context) (string, error) {
		return c.Generate(ctx, opts)
	})
}

func (c *azureOpenAIClient) ValidateConnection(ctx context.Context) bool {
	if c.creds.Endpoint == "" || c.creds.Deployment == "" {
		return false
	}
	_, err := c.Generate(ctx, GenerateOptions{Prompt: "ping", MaxTokens: 1})
	return err == nil
}
