// Package modelclient implements the model client registry (spec component
// C6): a provider-agnostic contract over whichever LLM backend an agent role
// is configured to use, with clients cached by (provider, model) so the
// workflow driver does not pay connection/auth setup cost on every stage.
//
// The wire protocol each provider actually speaks is out of scope here; what
// this package guarantees is the shape every provider is reachable through,
// and that a new provider can be added by registering a factory rather than
// by touching the workflow driver.
package modelclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// GenerateOptions controls one generation call. TopP/FrequencyPenalty/
// PresencePenalty mirror the OpenAI-style sampling knobs an AgentConfig
// carries per role; providers that don't support one of them simply ignore
// the field.
type GenerateOptions struct {
	Prompt           string
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	MaxTokens        int
	Extra            map[string]any
}

// StreamChunk is one piece of a streamed generation. Err is set on the final
// chunk if the stream ended abnormally; a nil Err with Done true marks a
// clean end of stream.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// Client is the capability set every provider must implement.
type Client interface {
	Generate(ctx context.Context, opts GenerateOptions) (string, error)
	GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error)
	ValidateConnection(ctx context.Context) bool
}

// Credentials carries per-configuration connection details. Not every field
// applies to every provider: Endpoint and Deployment are meaningful only for
// the enterprise-deployment variant, BaseURL only for the local server.
type Credentials struct {
	Provider   string
	Model      string
	APIKey     string
	Endpoint   string
	Deployment string
	BaseURL    string
}

// Factory constructs a Client for the given credentials.
type Factory func(creds Credentials, httpClient *http.Client) Client

// Registry caches clients by (provider, model) and dispatches construction
// to the factory registered for a provider name.
type Registry struct {
	mu         sync.Mutex
	factories  map[string]Factory
	cache      map[string]Client
	httpClient *http.Client
}

// NewRegistry returns a Registry with the given HTTP client used by every
// constructed provider client. A nil httpClient gets a 60-second default
// timeout, generous enough for a non-streaming chat completion.
func NewRegistry(httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Registry{
		factories:  make(map[string]Factory),
		cache:      make(map[string]Client),
		httpClient: httpClient,
	}
}

// Register associates a factory with a provider name. Call once per provider
// at startup; registering the same name twice overwrites the prior factory.
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// Get returns a Client for creds.Provider/creds.Model, constructing and
// caching it on first use. Pass cache=false to always construct a fresh
// client and skip the cache entirely — used for connection-test requests so
// a probed API key is never retained in memory longer than the call.
func (r *Registry) Get(creds Credentials, cache bool) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[creds.Provider]
	if !ok {
		return nil, fmt.Errorf("modelclient: no provider registered for %q", creds.Provider)
	}

	if !cache {
		return factory(creds, r.httpClient), nil
	}

	key := cacheKey(creds)
	if client, ok := r.cache[key]; ok {
		return client, nil
	}

	client := factory(creds, r.httpClient)
	r.cache[key] = client
	return client, nil
}

// Evict removes a cached client, forcing the next Get to reconstruct it.
// Nothing in this repository calls it; updating an AgentConfig leaves any
// cached client in place.
func (r *Registry) Evict(creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(creds))
}

func cacheKey(creds Credentials) string {
	return creds.Provider + "/" + creds.Model
}
