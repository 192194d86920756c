package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

// SmartAccount is what the Sender needs from an account implementation.
type SmartAccount interface {
	Address() string
	IsDeployed(ctx context.Context) (bool, error)
	FactoryArgs() (factory string, factoryData []byte, err error)
	EncodeCalls(calls []userop.Call) ([]byte, error)
	StubSignature() []byte
	SignUserOperation(ctx context.Context, op userop.UserOperation, entryPoint string, chainID *big.Int) ([]byte, error)
}

// SendOptions tweaks one send.
type SendOptions struct {
	// Nonce is used verbatim when set.
	Nonce *big.Int
	// NonceKey selects the EntryPoint nonce lane when Nonce is nil.
	NonceKey *big.Int
	// ReceiptTimeout bounds the wait for inclusion (default 2m).
	ReceiptTimeout time.Duration
}

// Result describes an included user operation.
type Result struct {
	UserOpHash string
	Operation  userop.UserOperation
	Receipt    *userop.Receipt
}

// Sender prepares, signs, submits and waits for user operations.
type Sender struct {
	bundler   *Client
	paymaster *Paymaster
	backend   evm.Backend
	chainID   *big.Int
	logger    *zap.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithPaymaster sponsors every operation through an ERC-7677 paymaster.
func WithPaymaster(p *Paymaster) SenderOption {
	return func(s *Sender) {
		s.paymaster = p
	}
}

// WithSenderLogger attaches a logger.
func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender builds a Sender. backend is used for EntryPoint nonce reads.
func NewSender(bundler *Client, backend evm.Backend, chainID *big.Int, opts ...SenderOption) *Sender {
	s := &Sender{
		bundler: bundler,
		backend: backend,
		chainID: chainID,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetNonce reads the EntryPoint nonce of sender in the given key lane.
func (s *Sender) GetNonce(ctx context.Context, sender string, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	outputs, err := evm.ReadContract(ctx, s.backend, s.bundler.EntryPoint(), evm.EntryPointABI, "getNonce", common.HexToAddress(sender), key)
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("failed to read nonce: empty result")
	}
	nonce, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to read nonce: unexpected type %T", outputs[0])
	}
	return nonce, nil
}

// Prepare builds an unsigned, gas-complete user operation for calls.
func (s *Sender) Prepare(ctx context.Context, account SmartAccount, calls []userop.Call, opts SendOptions) (userop.UserOperation, error) {
	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return userop.UserOperation{}, fmt.Errorf("failed to encode calls: %w", err)
	}

	op := userop.UserOperation{
		Sender:   account.Address(),
		CallData: callData,
	}

	if opts.Nonce != nil {
		op.Nonce = opts.Nonce
	} else {
		nonce, err := s.GetNonce(ctx, op.Sender, opts.NonceKey)
		if err != nil {
			return userop.UserOperation{}, err
		}
		op.Nonce = nonce
	}

	deployed, err := account.IsDeployed(ctx)
	if err != nil {
		return userop.UserOperation{}, fmt.Errorf("failed to check deployment: %w", err)
	}
	if !deployed {
		factory, factoryData, err := account.FactoryArgs()
		if err != nil {
			return userop.UserOperation{}, fmt.Errorf("failed to build factory args: %w", err)
		}
		op.Factory = factory
		op.FactoryData = factoryData
	}

	tiers, err := s.bundler.GetUserOperationGasPrice(ctx)
	if err != nil {
		return userop.UserOperation{}, err
	}
	op.MaxFeePerGas = tiers.Fast.MaxFeePerGas.ToInt()
	op.MaxPriorityFeePerGas = tiers.Fast.MaxPriorityFeePerGas.ToInt()

	op.Signature = account.StubSignature()

	if s.paymaster != nil {
		stub, err := s.paymaster.GetPaymasterStubData(ctx, op, s.chainID)
		if err != nil {
			return userop.UserOperation{}, err
		}
		applyPaymaster(&op, stub)
	}

	estimate, err := s.bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return userop.UserOperation{}, err
	}
	op.PreVerificationGas = estimate.PreVerificationGas.ToInt()
	op.VerificationGasLimit = estimate.VerificationGasLimit.ToInt()
	op.CallGasLimit = estimate.CallGasLimit.ToInt()
	if estimate.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = estimate.PaymasterVerificationGasLimit.ToInt()
	}
	if estimate.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = estimate.PaymasterPostOpGasLimit.ToInt()
	}

	if s.paymaster != nil {
		final, err := s.paymaster.GetPaymasterData(ctx, op, s.chainID)
		if err != nil {
			return userop.UserOperation{}, err
		}
		applyPaymaster(&op, final)
	}
	return op, nil
}

// Send prepares, signs and submits calls from account, then waits for the
// receipt. A receipt reporting failure is returned together with an error.
func (s *Sender) Send(ctx context.Context, account SmartAccount, calls []userop.Call, opts SendOptions) (*Result, error) {
	start := time.Now()
	op, err := s.Prepare(ctx, account, calls, opts)
	if err != nil {
		return nil, err
	}

	signature, err := account.SignUserOperation(ctx, op, s.bundler.EntryPoint(), s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}
	op.Signature = signature

	hash, err := s.bundler.SendUserOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	s.logger.Info("User operation submitted",
		zap.String("sender", op.Sender),
		zap.String("userOpHash", hash),
		zap.String("nonce", op.Nonce.String()),
		zap.Bool("deploys", op.Factory != ""))

	receipt, err := s.bundler.WaitForUserOperationReceipt(ctx, hash, opts.ReceiptTimeout)
	if err != nil {
		return nil, err
	}

	result := &Result{UserOpHash: hash, Operation: op, Receipt: receipt}
	if !receipt.Success {
		return result, fmt.Errorf("user operation %s reverted: %s", hash, receipt.Reason)
	}

	s.logger.Info("User operation included",
		zap.String("userOpHash", hash),
		zap.String("transactionHash", receipt.Receipt.TransactionHash),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// EnsureDeployed deploys account with a no-op call when it has no code yet.
// It returns nil when the account was already deployed.
func (s *Sender) EnsureDeployed(ctx context.Context, account SmartAccount, opts SendOptions) (*Result, error) {
	deployed, err := account.IsDeployed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check deployment: %w", err)
	}
	if deployed {
		return nil, nil
	}

	s.logger.Info("Deploying smart account", zap.String("address", account.Address()))
	return s.Send(ctx, account, []userop.Call{{To: evm.ZeroAddress, Value: new(big.Int)}}, opts)
}

func applyPaymaster(op *userop.UserOperation, data *userop.PaymasterData) {
	op.Paymaster = data.Paymaster
	op.PaymasterData = data.PaymasterData
	if data.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = data.PaymasterVerificationGasLimit.ToInt()
	}
	if data.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = data.PaymasterPostOpGasLimit.ToInt()
	}
}
