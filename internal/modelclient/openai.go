package modelclient

import (
	"context"
	"net/http"
)

const openaiBaseURL = "https://api.openai.com/v1"

// openAIClient talks to the commercial hosted chat completion API.
type openAIClient struct {
	creds  Credentials
	client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIFactory returns a Factory for the commercial hosted provider.
func NewOpenAIFactory() Factory {
	return func(creds Credentials, httpClient *http.Client) Client {
		return &openAIClient{creds: creds, client: httpClient}
	}
}

func (c *openAIClient) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
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
	if err := postJSON(ctx, c.client, openaiBaseURL+"/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error) {
	return chunkedStream(ctx, func(ctx context.Context) (string, error) {
		return c.Generate(ctx, opts)
	})
}

func (c *openAIClient) ValidateConnection(ctx context.Context) bool {
	_, err := c.Generate(ctx, GenerateOptions{Prompt: "ping", MaxTokens: 1})
	return err == nil
}
