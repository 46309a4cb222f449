package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// codec is the request builder / response parser pair of a plain JSON-over-HTTP format.
type codec interface {
	buildRequest(ctx context.Context, cfg Config, turns []Turn) (*http.Request, error)
	parseResponse(cfg Config, body []byte) (*Response, error)
}

// restFormat executes a codec with net/http.
type restFormat struct {
	provider string
	codec    codec
}

func (f restFormat) chat(ctx context.Context, hc *http.Client, cfg Config, turns []Turn) (*Response, error) {
	req, err := f.codec.buildRequest(ctx, cfg, turns)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", f.provider, err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: f.provider, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: f.provider, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Provider: f.provider, StatusCode: resp.StatusCode, Message: upstreamMessage(resp.StatusCode, body)}
	}

	out, err := f.codec.parseResponse(cfg, body)
	if err != nil {
		return nil, &ProviderError{Provider: f.provider, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}
	out.Raw = body
	return out, nil
}

// upstreamMessage extracts error.message from the JSON error bodies all three
// providers share, falling back to the HTTP status.
func upstreamMessage(status int, body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return fmt.Sprintf("HTTP %d", status)
}

func newJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
