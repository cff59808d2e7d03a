// Package client is the Go SDK for the k7 daemon. All responses travel in
// the daemon's envelope: payloads under "data", failures under "error" with
// a machine-readable code. The SDK unwraps both so callers work with plain
// model types and sentinel errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://localhost:8264/api/v1"
	defaultTimeout = 90 * time.Second
)

// Client is the k7 API client.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	userAgent  string

	// Service clients
	Sandbox *SandboxService
	APIKeys *APIKeyService
}

// NewClient creates a client for the daemon at baseURL. baseURL should
// include the /api/v1 prefix; an unparsable value falls back to the default
// local daemon address.
func NewClient(baseURL string, opts ...Option) *Client {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultBaseURL)
	}

	// Trailing slashes break path joining later.
	parsedURL.Path = strings.TrimSuffix(parsedURL.Path, "/")

	c := &Client{
		baseURL:    parsedURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  "k7-go-sdk/1.0.0",
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Sandbox = &SandboxService{client: c}
	c.APIKeys = &APIKeyService{client: c}

	return c
}

// doRequest performs an HTTP request against the API with the client's
// standing headers and credentials.
func (c *Client) doRequest(ctx context.Context, method, requestPath string, body interface{}, queryParams map[string]string) (*http.Response, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + requestPath
	u.RawQuery = ""

	if len(queryParams) > 0 {
		q := u.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	return resp, nil
}

// doJSON performs a request and decodes the "data" member of the response
// envelope into result.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, result interface{}, queryParams map[string]string) error {
	resp, err := c.doRequest(ctx, method, requestPath, body, queryParams)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return handleErrorResponse(resp)
	}

	if result == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}

	return nil
}

// doEmptyResponse performs a request whose success carries no body, such as
// a 204 from a revoke.
func (c *Client) doEmptyResponse(ctx context.Context, method, requestPath string, body interface{}, queryParams map[string]string) error {
	resp, err := c.doRequest(ctx, method, requestPath, body, queryParams)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return handleErrorResponse(resp)
	}

	return nil
}

// buildPath builds an API path from segments.
func (c *Client) buildPath(segments ...string) string {
	return path.Join(segments...)
}

// websocketURL rewrites the base URL for a WebSocket dial to the given path.
func (c *Client) websocketURL(requestPath string, queryParams map[string]string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/" + requestPath
	u.RawQuery = ""

	if len(queryParams) > 0 {
		q := u.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String()
}
