// Package http posts subscriber messages to the remote agent's HTTP endpoint.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	subscriber "github.com/mcpagents/aa-subscriber"
)

// DefaultAgentURL is the agent endpoint used when none is configured
const DefaultAgentURL = "http://localhost:3001/mcp"

// sendRetries is the number of attempts on 429 rate limit errors
const sendRetries = 3

// sendRetryBaseDelay is the base delay for exponential backoff on retries
const sendRetryBaseDelay = 1 * time.Second

// AuthProvider generates authentication headers for agent requests
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// AgentConfig configures the HTTP agent client
type AgentConfig struct {
	// URL is the agent endpoint
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// RetryBaseDelay overrides the 429 backoff base (optional)
	RetryBaseDelay time.Duration

	Logger *zap.Logger
}

// AgentClient delivers messages as JSON POSTs. It implements
// subscriber.Transport.
type AgentClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	retryDelay   time.Duration
	logger       *zap.Logger
}

// NewAgentClient creates a new HTTP agent client
func NewAgentClient(config *AgentConfig) *AgentClient {
	if config == nil {
		config = &AgentConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultAgentURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	retryDelay := config.RetryBaseDelay
	if retryDelay == 0 {
		retryDelay = sendRetryBaseDelay
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AgentClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		retryDelay:   retryDelay,
		logger:       logger,
	}
}

// URL returns the agent endpoint.
func (c *AgentClient) URL() string {
	return c.url
}

// Send posts msg and returns the response body, which must be JSON.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *AgentClient) Send(ctx context.Context, msg subscriber.Message) (json.RawMessage, error) {
	if msg.Payload == nil {
		msg.Payload = map[string]interface{}{}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	var lastErr error
	for attempt := range sendRetries {
		req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s request: %w", msg.Type, err)
		}
		req.Header.Set("Content-Type", "application/json")

		if c.authProvider != nil {
			headers, err := c.authProvider.GetAuthHeaders(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get auth headers: %w", err)
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", msg.Type, err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if !json.Valid(responseBody) {
				return nil, fmt.Errorf("%s response is not JSON: %s", msg.Type, truncate(responseBody))
			}
			c.logger.Debug("Agent answered",
				zap.String("type", string(msg.Type)),
				zap.Int("status", resp.StatusCode),
				zap.Int("bytes", len(responseBody)))
			return json.RawMessage(responseBody), nil
		}

		lastErr = fmt.Errorf("agent %s failed (%d): %s", msg.Type, resp.StatusCode, truncate(responseBody))

		if resp.StatusCode == http.StatusTooManyRequests && attempt < sendRetries-1 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt))
			c.logger.Warn("Agent rate limited, retrying", zap.String("type", string(msg.Type)), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, lastErr
	}

	return nil, lastErr
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
