package modelclient

import (
	"context"
	"net/http"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// groqClient talks to the ultra-fast inference provider, which exposes an
// OpenAI-compatible chat completion endpoint.
type groqClient struct {
	creds  Credentials
	client *http.Client
}

// NewGroqFactory returns a Factory for the ultra-fast inference provider.
func NewGroqFactory() Factory {
	return func(creds Credentials, httpClient *http.Client) Client {
		return &groqClient{creds: creds, client: httpClient}
	}
}

func (c *groqClient) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
	req := chatCompletionRequest{
		Model:            c.creds.Model,
		Messages:         []chatMessage{{Role: "user", Content: opts.Prompt}},
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		MaxTokens:        opts.MaxTokens,
	}

	var resp chatCompletionResponse
	headers := map[string]string{"Authorization": "Bearer " + c.creds.APIKey}
	if err := postJSON(ctx, c.client, groqBaseURL+"/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *groqClient) GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error) {
	return chunkedStream(ctx, func(ctx context.Context) (string, error) {
		return c.Generate(ctx, opts)
	})
}

func (c *groqClient) ValidateConnection(ctx context.Context) bool {
	_, err := c.Generate(ctx, GenerateOptions{Prompt: "ping", MaxTokens: 1})
	return err == nil
}
