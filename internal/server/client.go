package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient creates the client the CLI uses to reach the daemon.
func NewHTTPClient() HTTPClient {
	return &http.Client{
		Timeout: 60 * time.Second,
	}
}

// APIError is a non-2xx answer from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running daemon's control API.
type Client struct {
	baseURL string
	token   string
	http    HTTPClient
}

// NewClient creates a client for the daemon listening on addr
// (host:port or a full URL).
func NewClient(addr, token string, httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodGet, "/session", nil, &status)
	return status, err
}

func (c *Client) Token(ctx context.Context) (TokenResponse, error) {
	var tok TokenResponse
	err := c.do(ctx, http.MethodGet, "/session/token", nil, &tok)
	return tok, err
}

func (c *Client) Login(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/login", nil, nil)
}

func (c *Client) Logout(ctx context.Context) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodPost, "/logout", nil, &status)
	return status, err
}

func (c *Client) Refresh(ctx context.Context) (SessionStatus, error) {
	var status SessionStatus
	err := c.do(ctx, http.MethodPost, "/refresh", nil, &status)
	return status, err
}

// DeliverDeepLinks forwards a URL batch to the daemon's router.
func (c *Client) DeliverDeepLinks(ctx context.Context, urls []string) error {
	return c.do(ctx, http.MethodPost, "/deeplink", DeepLinkRequest{URLs: urls}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
