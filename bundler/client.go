// Package bundler talks to ERC-4337 bundlers and ERC-7677 paymasters over
// JSON-RPC and drives user operations from preparation to inclusion.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

// ErrReceiptTimeout is returned when a user operation is not included in time.
var ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")

const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollInterval = 5 * time.Second
	DefaultReceiptTimeout  = 2 * time.Minute
)

// Client is a bundler JSON-RPC client bound to one EntryPoint.
type Client struct {
	rpc             *rpc.Client
	entryPoint      string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEntryPoint overrides the EntryPoint address (defaults to v0.7).
func WithEntryPoint(entryPoint string) ClientOption {
	return func(c *Client) {
		c.entryPoint = entryPoint
	}
}

// WithPollInterval sets the initial and maximum receipt polling delays.
func WithPollInterval(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInterval = initial
		c.maxPollInterval = max
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient wraps an existing RPC client.
func NewClient(rpcClient *rpc.Client, opts ...ClientOption) *Client {
	c := &Client{
		rpc:             rpcClient,
		entryPoint:      evm.EntryPointV07Address,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a bundler endpoint.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bundler: %w", err)
	}
	return NewClient(rpcClient, opts...), nil
}

// EntryPoint returns the EntryPoint this client submits to.
func (c *Client) EntryPoint() string {
	return c.entryPoint
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// SupportedEntryPoints lists the EntryPoints the bundler accepts.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]string, error) {
	var result []string
	if err := c.rpc.CallContext(ctx, &result, "eth_supportedEntryPoints"); err != nil {
		return nil, fmt.Errorf("eth_supportedEntryPoints: %w", err)
	}
	return result, nil
}

// SendUserOperation submits a signed operation and returns its hash.
func (c *Client) SendUserOperation(ctx context.Context, op userop.UserOperation) (string, error) {
	var hash string
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return "", fmt.Errorf("eth_sendUserOperation: %w", err)
	}
	return hash, nil
}

// EstimateUserOperationGas asks the bundler for gas limits. The operation
// should carry a stub signature of realistic length.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op userop.UserOperation) (*userop.GasEstimate, error) {
	var estimate userop.GasEstimate
	if err := c.rpc.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas: %w", err)
	}
	return &estimate, nil
}

// GetUserOperationReceipt returns the receipt, or nil while the operation is pending.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash string) (*userop.Receipt, error) {
	var receipt *userop.Receipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationReceipt: %w", err)
	}
	return receipt, nil
}

// GetUserOperationGasPrice returns pimlico fee tiers.
func (c *Client) GetUserOperationGasPrice(ctx context.Context) (*userop.GasPriceTiers, error) {
	var tiers userop.GasPriceTiers
	if err := c.rpc.CallContext(ctx, &tiers, "pimlico_getUserOperationGasPrice"); err != nil {
		return nil, fmt.Errorf("pimlico_getUserOperationGasPrice: %w", err)
	}
	if tiers.Fast.MaxFeePerGas == nil || tiers.Fast.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("pimlico_getUserOperationGasPrice: missing fast tier")
	}
	return &tiers, nil
}

// WaitForUserOperationReceipt polls until the operation is included, the
// context is cancelled, or timeout elapses. The delay between polls grows
// from the initial poll interval up to the maximum.
func (c *Client) WaitForUserOperationReceipt(ctx context.Context, hash string, timeout time.Duration) (*userop.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := c.pollInterval
	attempt := 0
	for {
		attempt++
		receipt, err := c.GetUserOperationReceipt(ctx, hash)
		if err != nil && ctx.Err() == nil {
			// transient RPC failures are retried until the deadline
			c.logger.Debug("Receipt poll failed",
				zap.String("userOpHash", hash),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash)
			}
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay = delay * 3 / 2
		if delay > c.maxPollInterval {
			delay = c.maxPollInterval
		}
	}
}

// Paymaster is an ERC-7677 paymaster service client.
type Paymaster struct {
	rpc        *rpc.Client
	entryPoint string
	context    map[string]interface{}
}

// NewPaymaster wraps an RPC client. An empty entryPoint means the v0.7
// EntryPoint. sponsorContext is forwarded verbatim (e.g. a sponsorship
// policy id) and may be nil.
func NewPaymaster(rpcClient *rpc.Client, entryPoint string, sponsorContext map[string]interface{}) *Paymaster {
	if entryPoint == "" {
		entryPoint = evm.EntryPointV07Address
	}
	return &Paymaster{rpc: rpcClient, entryPoint: entryPoint, context: sponsorContext}
}

// DialPaymaster connects to a paymaster endpoint sponsoring operations
// for entryPoint.
func DialPaymaster(ctx context.Context, url, entryPoint string, sponsorContext map[string]interface{}) (*Paymaster, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial paymaster: %w", err)
	}
	return NewPaymaster(rpcClient, entryPoint, sponsorContext), nil
}

// GetPaymasterStubData returns placeholder paymaster fields for gas estimation.
func (p *Paymaster) GetPaymasterStubData(ctx context.Context, op userop.UserOperation, chainID *big.Int) (*userop.PaymasterData, error) {
	var result userop.PaymasterData
	if err := p.rpc.CallContext(ctx, &result, "pm_getPaymasterStubData", op, p.entryPoint, hexutil.EncodeBig(chainID), p.context); err != nil {
		return nil, fmt.Errorf("pm_getPaymasterStubData: %w", err)
	}
	return &result, nil
}

// GetPaymasterData returns the final sponsorship fields for a gas-complete operation.
func (p *Paymaster) GetPaymasterData(ctx context.Context, op userop.UserOperation, chainID *big.Int) (*userop.PaymasterData, error) {
	var result userop.PaymasterData
	if err := p.rpc.CallContext(ctx, &result, "pm_getPaymasterData", op, p.entryPoint, hexutil.EncodeBig(chainID), p.context); err != nil {
		return nil, fmt.Errorf("pm_getPaymasterData: %w", err)
	}
	return &result, nil
}
