package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Connection kinds accepted by Dial.
const (
	KindStreamable = "streamable"
	KindSSE        = "sse"
)

// ClientName identifies this client during MCP initialization.
const ClientName = "aa-subscriber"

// ErrToolFailed is returned when the agent reports a tool error.
var ErrToolFailed = errors.New("tool call failed")

// ToolCaller is the part of an MCP client session used here.
// *mcpsdk.ClientSession satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// ContentItem is one text item of a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is a tool result reduced to what replies need.
type ToolResult struct {
	Content           []ContentItem
	StructuredContent interface{}
	IsError           bool
}
