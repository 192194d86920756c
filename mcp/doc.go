// Package mcp delivers subscriber messages to the remote agent as MCP tool
// calls.
//
// Each message becomes a call of the tool named after the message type, with
// the rest of the envelope as arguments:
//
//	transport, err := mcp.Dial(ctx, "http://localhost:3001/mcp", mcp.KindStreamable)
//	if err != nil { ... }
//	defer transport.Close()
//
//	raw, err := transport.Send(ctx, subscriber.Message{
//	    Type:    subscriber.TypePresentationRequest,
//	    Payload: map[string]interface{}{"action": "ServiceSubscriptionRequest"},
//	})
//
// The reply is read from the result's structured content, falling back to
// the JSON text of its first content item.
package mcp
