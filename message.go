package subscriber

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MessageType names a request understood by the remote service agent.
type MessageType string

const (
	TypePresentationRequest MessageType = "PresentationRequest"
	TypeAskForService       MessageType = "AskForService"

	// JWT demonstrations
	TypeSendWebDIDJWT              MessageType = "SendWebDIDJWT"
	TypeSendEthrDIDJWT             MessageType = "SendEthrDIDJWT"
	TypeSendAADIDJWT               MessageType = "SendAADIDJWT"
	TypeSendEOADelegatedDIDCommJWT MessageType = "handleSendEOADelegatedDIDCommJWT"
)

// ActionServiceSubscription is the action carried by challenge and JWT requests.
const ActionServiceSubscription = "ServiceSubscriptionRequest"

// JWTKinds maps the short names accepted by SendJWTRequest to message types.
var JWTKinds = map[string]MessageType{
	"web":       TypeSendWebDIDJWT,
	"ethr":      TypeSendEthrDIDJWT,
	"aa":        TypeSendAADIDJWT,
	"delegated": TypeSendEOADelegatedDIDCommJWT,
}

// Message is the envelope posted to the remote agent.
type Message struct {
	Type    MessageType            `json:"type"`
	From    string                 `json:"from,omitempty"`
	Sender  string                 `json:"sender,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// Transport delivers a message to the remote agent and returns its JSON reply.
type Transport interface {
	Send(ctx context.Context, msg Message) (json.RawMessage, error)
}

// Challenge is the agent's answer to a PresentationRequest.
type Challenge struct {
	// Address is the service's smart account, the payee of the payment delegation.
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
}

// ParseChallenge decodes and checks a PresentationRequest reply.
func ParseChallenge(raw json.RawMessage) (Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, fmt.Errorf("failed to decode challenge: %w", err)
	}
	if !common.IsHexAddress(c.Address) {
		return Challenge{}, fmt.Errorf("challenge carries no service account address")
	}
	if c.Challenge == "" {
		return Challenge{}, fmt.Errorf("challenge is empty")
	}
	c.Address = common.HexToAddress(c.Address).Hex()
	return c, nil
}

func subscriptionPayload() map[string]interface{} {
	return map[string]interface{}{"action": ActionServiceSubscription}
}
