package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider fetches enrichment data for one queue item kind. Implementations
// classify failures: transient errors (the upstream may recover) wrap
// ErrTransient, everything else is permanent and retrying is pointless.
type Provider interface {
	Fetch(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
}

// ErrTransient marks failures worth retrying: network faults, timeouts,
// upstream 5xx, rate limiting, expired upstream credentials.
var ErrTransient = errors.New("transient provider error")

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HTTPProvider calls the external data API. The kind maps to a path under
// BaseURL and the payload goes as the POST body.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+kind, bytesReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, client timeout.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited", ErrTransient)
	case resp.StatusCode == http.StatusUnauthorized:
		// Usually an expired upstream key that rotation will fix.
		return nil, fmt.Errorf("%w: upstream rejected credentials", ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	if len(body) == 0 {
		return nil, errors.New("upstream returned empty body")
	}
	if !json.Valid(body) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	return body, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}
