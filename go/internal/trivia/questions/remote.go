package questions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote fetches a question document over HTTP. The body is parsed like a
// question file, so both YAML and JSON documents are accepted.
type Remote struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (r *Remote) SetHeader(key, value string) {
	r.headers[key] = value
}

func (r *Remote) SetTimeout(timeout time.Duration) {
	r.client.Timeout = timeout
}

// Fetch downloads and parses the document at endpoint
func (r *Remote) Fetch(ctx context.Context, endpoint string) (Static, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range r.headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch questions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("question source returned status code: %d, response: %s", resp.StatusCode, string(body))
	}
	return Parse(body)
}
