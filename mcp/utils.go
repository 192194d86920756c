package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// toToolResult keeps the text items and structured content of result.
func toToolResult(result *mcpsdk.CallToolResult) ToolResult {
	content := make([]ContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, ContentItem{Type: "text", Text: text.Text})
		}
	}
	return ToolResult{
		Content:           content,
		StructuredContent: result.StructuredContent,
		IsError:           result.IsError,
	}
}

// ExtractJSON returns the JSON reply carried by result (dual format):
// structured content first, then the first text item. A text item that is
// not JSON is returned as a JSON string.
func ExtractJSON(result ToolResult) (json.RawMessage, error) {
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, errorText(result))
	}

	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal structured content: %w", err)
		}
		return raw, nil
	}

	for _, item := range result.Content {
		if item.Type != "text" {
			continue
		}
		text := strings.TrimSpace(item.Text)
		if json.Valid([]byte(text)) {
			return json.RawMessage(text), nil
		}
		raw, err := json.Marshal(item.Text)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
	return json.RawMessage("null"), nil
}

func errorText(result ToolResult) string {
	var parts []string
	for _, item := range result.Content {
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return "no details"
	}
	return strings.Join(parts, "; ")
}

// toolArguments is the envelope of msg without its type.
func toolArguments(from, sender string, payload map[string]interface{}) map[string]interface{} {
	args := map[string]interface{}{}
	if payload != nil {
		args["payload"] = payload
	} else {
		args["payload"] = map[string]interface{}{}
	}
	if from != "" {
		args["from"] = from
	}
	if sender != "" {
		args["sender"] = sender
	}
	return args
}
