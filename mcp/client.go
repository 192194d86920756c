package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	subscriber "github.com/mcpagents/aa-subscriber"
)

// Transport sends subscriber messages over an MCP session.
type Transport struct {
	session ToolCaller
	logger  *zap.Logger
}

// Option configures a Transport.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	httpClient *http.Client
	version    string
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used by Dial.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithClientVersion sets the version announced during initialization.
func WithClientVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), version: "1.0.0"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewTransport wraps an established session.
func NewTransport(session ToolCaller, opts ...Option) *Transport {
	o := buildOptions(opts)
	return &Transport{session: session, logger: o.logger}
}

// Dial connects to the agent's MCP endpoint. kind is KindStreamable or
// KindSSE.
func Dial(ctx context.Context, endpoint, kind string, opts ...Option) (*Transport, error) {
	o := buildOptions(opts)

	var transport mcpsdk.Transport
	switch kind {
	case KindStreamable, "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: o.httpClient}
	case KindSSE:
		transport = &mcpsdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: o.httpClient}
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", kind)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: ClientName, Version: o.version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server %s: %w", endpoint, err)
	}
	o.logger.Info("Connected to MCP server", zap.String("endpoint", endpoint), zap.String("transport", kind))
	return &Transport{session: session, logger: o.logger}, nil
}

// Send calls the tool named after msg.Type and returns its JSON reply.
func (t *Transport) Send(ctx context.Context, msg subscriber.Message) (json.RawMessage, error) {
	start := time.Now()
	result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      string(msg.Type),
		Arguments: toolArguments(msg.From, msg.Sender, msg.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", msg.Type, err)
	}

	raw, err := ExtractJSON(toToolResult(result))
	if err != nil {
		t.logger.Warn("Tool call failed", zap.String("tool", string(msg.Type)), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", msg.Type, err)
	}
	t.logger.Debug("Tool call answered",
		zap.String("tool", string(msg.Type)),
		zap.Int("bytes", len(raw)),
		zap.Duration("duration", time.Since(start)))
	return raw, nil
}

// Close ends the session.
func (t *Transport) Close() error {
	return t.session.Close()
}
