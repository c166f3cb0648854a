package modelclient

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls int
	valid bool
}

func (f *fakeClient) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
	f.calls++
	return "response", nil
}

func (f *fakeClient) GenerateStream(ctx context.Context, opts GenerateOptions) (<-chan StreamChunk, error) {
	return chunkedStream(ctx, func(ctx context.Context) (string, error) { return "response", nil })
}

func (f *fakeClient) ValidateConnection(ctx context.Context) bool {
	return f.valid
}

func TestRegistry_CachesByProviderAndModel(t *testing.T) {
	r := NewRegistry(nil)
	constructed := 0
	r.Register("fake", func(creds Credentials, httpClient *http.Client) Client {
		constructed++
		return &fakeClient{valid: true}
	})

	c1, err := r.Get(Credentials{Provider: "fake", Model: "v1"}, true)
	require.NoError(t, err)
	c2, err := r.Get(Credentials{Provider: "fake", Model: "v1"}, true)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, constructed)
}

func TestRegistry_NoCacheBypassesCaching(t *testing.T) {
	r := NewRegistry(nil)
	constructed := 0
	r.Register("fake", func(creds Credentials, httpClient *http.Client) Client {
		constructed++
		return &fakeClient{valid: true}
	})

	_, err := r.Get(Credentials{Provider: "fake", Model: "v1"}, false)
	require.NoError(t, err)
	_, err = r.Get(Credentials{Provider: "fake", Model: "v1"}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, constructed)
}

func TestRegistry_UnknownProviderErrors(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get(Credentials{Provider: "nope"}, true)
	assert.Error(t, err)
}

func TestRegistry_DifferentModelsGetDifferentClients(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("fake", func(creds Credentials, httpClient *http.Client) Client {
		return &fakeClient{valid: true}
	})

	c1, err := r.Get(Credentials{Provider: "fake", Model: "v1"}, true)
	require.NoError(t, err)
	c2, err := r.Get(Credentials{Provider: "fake", Model: "v2"}, true)
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
}

func TestChunkedStream_SplitsTextAndMarksDone(t *testing.T) {
	ch, err := chunkedStream(context.Background(), func(ctx context.Context) (string, error) {
		return "hello world", nil
	})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for chunk := range ch {
		if chunk.Done {
			sawDone = true
			continue
		}
		text += chunk.Text
	}

	assert.Equal(t, "hello world", text)
	assert.True(t, sawDone)
}
