package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// chunkedStream splits a fully generated response into a handful of chunks
// delivered over a channel, for providers whose streaming wire format is not
// modeled here. Generation still happens as one blocking call; only the
// delivery to the caller is chunked.
func chunkedStream(ctx context.Context, generate func(context.Context) (string, error)) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)

		text, err := generate(ctx)
		if err != nil {
			select {
			case ch <- StreamChunk{Err: err, Done: true}:
			case <-ctx.Done():
			}
			return
		}

		const chunkSize = 40
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			select {
			case ch <- StreamChunk{Text: text[i:end]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// postJSON sends body as a JSON POST to url with the given headers and
// decodes the response into out. Shared by every HTTP-based provider so
// each one only needs to describe its own request/response shape.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("modelclient: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("modelclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("modelclient: request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("modelclient: %s returned status %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("modelclient: decoding response from %s: %w", url, err)
	}
	return nil
}
