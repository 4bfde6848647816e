// Package transport implements the HTTP client side of the sync protocol.
// It satisfies replica.Transport and maps protocol failures onto the
// replica error taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pagemark-labs/pagemark/internal/auth"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"github.com/pagemark-labs/pagemark/internal/replica"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 20 * time.Second

var errMissingBaseURL = errors.New("transport: base url is required")

// ClientConfig describes a sync server connection.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "https://sync.example.com".
	BaseURL string
	// Credentials authenticate every call. May be zero for Register and
	// Healthcheck; all other operations fail with ErrNotAuthenticated.
	Credentials auth.Credentials
	// HTTPClient defaults to a client with a 20s timeout.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to one sync server on behalf of one account.
type Client struct {
	baseURL     string
	credentials auth.Credentials
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates the configuration and constructs a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     base,
		credentials: cfg.Credentials,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Register creates the account for the configured credentials.
func (c *Client) Register(ctx context.Context) error {
	if c.credentials.IsZero() {
		return replica.ErrNotAuthenticated
	}
	request := protocol.CreateUserRequest{
		Username: c.credentials.Username,
		Password: c.credentials.Secret,
	}
	var response protocol.CreateUserResponse
	return c.do(ctx, http.MethodPost, "/users/create", request, &response, false)
}

// Authenticate verifies the configured credentials against the server.
func (c *Client) Authenticate(ctx context.Context) error {
	var response protocol.AuthResponse
	return c.do(ctx, http.MethodGet, "/users/auth", nil, &response, true)
}

// Healthcheck probes the server without credentials.
func (c *Client) Healthcheck(ctx context.Context) error {
	var response protocol.HealthResponse
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, &response, false)
}

// GetProgress fetches the stored reading position for a document.
func (c *Client) GetProgress(ctx context.Context, document string) (protocol.Progress, error) {
	var response protocol.Progress
	path := "/syncs/progress/" + url.PathEscape(document)
	if err := c.do(ctx, http.MethodGet, path, nil, &response, true); err != nil {
		return protocol.Progress{}, err
	}
	return response, nil
}

// PutProgress uploads a reading position.
func (c *Client) PutProgress(ctx context.Context, request protocol.UpdateProgressRequest) (protocol.UpdateProgressResponse, error) {
	var response protocol.UpdateProgressResponse
	if err := c.do(ctx, http.MethodPut, "/syncs/progress", request, &response, true); err != nil {
		return protocol.UpdateProgressResponse{}, err
	}
	return response, nil
}

// GetAnnotations fetches the remote annotation document.
func (c *Client) GetAnnotations(ctx context.Context, document string) (protocol.DocumentAnnotations, error) {
	var response protocol.DocumentAnnotations
	path := "/syncs/annotations/" + url.PathEscape(document)
	if err := c.do(ctx, http.MethodGet, path, nil, &response, true); err != nil {
		return protocol.DocumentAnnotations{}, err
	}
	return response, nil
}

// PutAnnotations uploads the replica's annotation state.
func (c *Client) PutAnnotations(ctx context.Context, document string, request protocol.UpdateAnnotationsRequest) (protocol.UpdateAnnotationsResponse, error) {
	var response protocol.UpdateAnnotationsResponse
	path := "/syncs/annotations/" + url.PathEscape(document)
	if err := c.do(ctx, http.MethodPut, path, request, &response, true); err != nil {
		return protocol.UpdateAnnotationsResponse{}, err
	}
	return response, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, authenticated bool) error {
	if authenticated && c.credentials.IsZero() {
		return replica.ErrNotAuthenticated
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		c.credentials.Apply(request.Header)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return c.statusError(method, path, response)
	}

	if result == nil {
		return nil
	}
	// Missing fields default to zero values; an empty body is treated the
	// same as an empty object.
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

func (c *Client) statusError(method, path string, response *http.Response) error {
	var envelope protocol.ErrorResponse
	if payload, err := io.ReadAll(io.LimitReader(response.Body, 4096)); err == nil {
		_ = json.Unmarshal(payload, &envelope)
	}

	c.logger.Debug("server rejected request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Int("code", envelope.Code))

	switch {
	case response.StatusCode == http.StatusUnauthorized || envelope.Code == protocol.CodeUnauthorized:
		return fmt.Errorf("%w: %s", replica.ErrAuthRejected, envelope.Message)
	case response.StatusCode == http.StatusConflict || envelope.Code == protocol.CodeVersionConflict:
		return fmt.Errorf("%w: %s", replica.ErrVersionConflict, envelope.Message)
	case envelope.Message != "":
		return fmt.Errorf("transport: %s %s: server error %d: %s", method, path, envelope.Code, envelope.Message)
	default:
		return fmt.Errorf("transport: %s %s: unexpected status %d", method, path, response.StatusCode)
	}
}
