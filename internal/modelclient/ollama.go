package modelclient

import (
	"context"
	"net/http"
)

const defaultOllamaBaseURL = "http://localhost:11434"

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// ollamaClient talks to a local HTTP model server. Unlike the hosted
// providers it has no API key — reachability is the only credential.
type ollamaClient struct {
	creds  Credentials
	client *http.Client
}

// NewOllamaFactory returns a Factory for the local HTTP model server.
func NewOllamaFactory() Factory {
	return func(creds Credentials, httpClient *http.Client) Client {
		if creds.BaseURL == "" {
			creds.BaseURL = defaultOllamaBaseURL
		}
		return &ollamaClient{creds: creds, client: httpClient}
	}
}

func (c *ollamaClient) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
	req := ollamaGenerateRequest{Model: c.creds.Model, Prompt: opts.Prompt, Stream: false}
	req.Options.Temperature = opts.Temperature
	req.Options.NumPredict = opts.MaxTokens

	var resp ollamaGenerateResponse
	if err := postJSON(ctx, c.client, c.creds.BaseURL+"/api/generate", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

func (c *ollamaClient) GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error) {
	return chunkedStream(ctx, func(ctx context.Context) (string, error) {
		return c.Generate(ctx, opts)
	})
}

func (c *ollamaClient) ValidateConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.creds.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
