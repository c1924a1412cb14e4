package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPPoster posts readings as text/plain to an HTTP ingestion endpoint.
type HTTPPoster struct {
	url    string
	client *http.Client
}

// NewHTTPPoster creates an HTTPPoster. A nil client uses a dedicated default client;
// request deadlines come from the context passed to Post.
func NewHTTPPoster(url string, client *http.Client) *HTTPPoster {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 16}}
	}
	return &HTTPPoster{url: url, client: client}
}

// Post sends body and returns the status and response body.
func (p *HTTPPoster) Post(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post %s: %w", p.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res := &Response{Code: resp.Status, Body: payload}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return res, nil
}

// Close drops idle keep-alive connections.
func (p *HTTPPoster) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
