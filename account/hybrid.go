// Package account implements MetaMask Hybrid DeleGator smart accounts owned
// by a single EOA: counterfactual addressing, deployment data, ERC-7579
// call encoding and owner signatures validated through ERC-1271.
package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mcpagents/aa-subscriber/delegation"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

// ErrNoProxyCode is returned when deployment data is needed but the
// environment carries no proxy creation code.
var ErrNoProxyCode = errors.New("environment has no proxy creation code")

// stubSignature has a realistic length and byte distribution for gas estimation.
var stubSignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// Owner is the EOA signatory of a smart account.
type Owner interface {
	evm.TypedDataSigner
	evm.HashSigner
}

// HybridAccount is a Hybrid DeleGator smart account.
type HybridAccount struct {
	owner   Owner
	backend evm.Backend
	env     evm.Environment
	salt    [32]byte
	address common.Address
	bound   bool
}

// Option configures a HybridAccount.
type Option func(*HybridAccount)

// WithDeploySalt selects the CREATE2 salt (defaults to zero).
func WithDeploySalt(salt [32]byte) Option {
	return func(a *HybridAccount) {
		a.salt = salt
	}
}

// WithAddress binds the account to a known address instead of deriving it.
func WithAddress(address string) Option {
	return func(a *HybridAccount) {
		a.address = common.HexToAddress(address)
		a.bound = true
	}
}

// SaltFromUint64 left-pads n into a 32-byte salt.
func SaltFromUint64(n uint64) [32]byte {
	var salt [32]byte
	new(big.Int).SetUint64(n).FillBytes(salt[:])
	return salt
}

// NewHybrid derives the smart account owned by owner in env.
func NewHybrid(backend evm.Backend, owner Owner, env evm.Environment, opts ...Option) (*HybridAccount, error) {
	if owner == nil {
		return nil, errors.New("owner signer is required")
	}
	a := &HybridAccount{owner: owner, backend: backend, env: env}
	for _, opt := range opts {
		opt(a)
	}
	if a.bound {
		return a, nil
	}

	initCode, err := a.deployBytecode()
	if err != nil {
		return nil, err
	}
	a.address = crypto.CreateAddress2(common.HexToAddress(env.SimpleFactory), a.salt, crypto.Keccak256(initCode))
	return a, nil
}

// deployBytecode is proxyCreationCode ‖ abi.encode(implementation, initialize(...)).
func (a *HybridAccount) deployBytecode() ([]byte, error) {
	if a.env.ProxyCreationCodeHex == "" {
		return nil, ErrNoProxyCode
	}
	proxyCode, err := evm.HexToBytes(a.env.ProxyCreationCodeHex)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy creation code: %w", err)
	}

	initialize, err := hybridDeleGatorABI.Pack("initialize",
		common.HexToAddress(a.owner.Address()),
		[]string{},
		[]*big.Int{},
		[]*big.Int{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialize: %w", err)
	}

	ctorArgs, err := abi.Arguments{{Type: addressType}, {Type: bytesType}}.Pack(
		common.HexToAddress(a.env.HybridDeleGatorImpl),
		initialize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proxy constructor: %w", err)
	}
	return append(proxyCode, ctorArgs...), nil
}

// Address returns the smart account address.
func (a *HybridAccount) Address() string {
	return a.address.Hex()
}

// OwnerAddress returns the EOA that controls the account.
func (a *HybridAccount) OwnerAddress() string {
	return a.owner.Address()
}

// Environment returns the contracts this account is bound to.
func (a *HybridAccount) Environment() evm.Environment {
	return a.env
}

// Salt returns the deploy salt.
func (a *HybridAccount) Salt() [32]byte {
	return a.salt
}

// IsDeployed reports whether the account has code on chain.
func (a *HybridAccount) IsDeployed(ctx context.Context) (bool, error) {
	return evm.IsContract(ctx, a.backend, a.Address())
}

// FactoryArgs returns the SimpleFactory address and deploy calldata.
func (a *HybridAccount) FactoryArgs() (string, []byte, error) {
	bytecode, err := a.deployBytecode()
	if err != nil {
		return "", nil, err
	}
	data, err := simpleFactoryABI.Pack("deploy", bytecode, a.salt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode deploy: %w", err)
	}
	return common.HexToAddress(a.env.SimpleFactory).Hex(), data, nil
}

// OnChainOwner reads owner() from the deployed account.
func (a *HybridAccount) OnChainOwner(ctx context.Context) (string, error) {
	outputs, err := evm.ReadContract(ctx, a.backend, a.Address(), evm.OwnableABI, "owner")
	if err != nil {
		return "", err
	}
	owner, ok := outputs[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected owner() result %T", outputs[0])
	}
	return owner.Hex(), nil
}

// EncodeCalls encodes calls as an ERC-7579 execute(mode, executionCalldata).
func (a *HybridAccount) EncodeCalls(calls []userop.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("at least one call is required")
	}

	executions := make([]delegation.Execution, len(calls))
	for i, c := range calls {
		executions[i] = delegation.Execution{Target: c.To, Value: c.Value, CallData: c.Data}
	}

	mode := delegation.SingleDefaultMode
	if len(calls) > 1 {
		mode = delegation.BatchDefaultMode
	}
	executionCalldata, err := delegation.EncodeExecutions(mode, executions)
	if err != nil {
		return nil, err
	}
	return hybridDeleGatorABI.Pack("execute", [32]byte(mode), executionCalldata)
}

// StubSignature returns a placeholder signature for gas estimation.
func (a *HybridAccount) StubSignature() []byte {
	return append([]byte{}, stubSignature...)
}

// SignTypedData signs typed data as the smart account. The owner's ECDSA
// signature over the digest is what isValidSignature accepts.
func (a *HybridAccount) SignTypedData(
	ctx context.Context,
	domain evm.TypedDataDomain,
	types map[string][]evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	return a.owner.SignTypedData(ctx, domain, types, primaryType, message)
}

// userOperationTypes is the PackedUserOperation typed-data layout validated
// by DeleGator accounts.
var userOperationTypes = map[string][]evm.TypedDataField{
	"PackedUserOperation": {
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "accountGasLimits", Type: "bytes32"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "gasFees", Type: "bytes32"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "entryPoint", Type: "address"},
	},
}

// SignUserOperation signs op for submission through entryPoint.
func (a *HybridAccount) SignUserOperation(ctx context.Context, op userop.UserOperation, entryPoint string, chainID *big.Int) ([]byte, error) {
	packed, err := op.Pack()
	if err != nil {
		return nil, err
	}
	domain := evm.TypedDataDomain{
		Name:              "HybridDeleGator",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: a.Address(),
	}
	return a.owner.SignTypedData(ctx, domain, userOperationTypes, "PackedUserOperation", packed.TypedMessage(entryPoint))
}

// SignDelegation signs d as its delegator.
func (a *HybridAccount) SignDelegation(ctx context.Context, d delegation.Delegation) (delegation.Delegation, error) {
	return delegation.Sign(ctx, a, d, a.env.ChainID, a.env.DelegationManager)
}
