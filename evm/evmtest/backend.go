// Package evmtest provides an in-memory evm.Backend that emulates deployed
// smart accounts for tests.
package evmtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mcpagents/aa-subscriber/evm"
)

var (
	erc1271ABI    = mustABI(evm.ERC1271ABI)
	ownableABI    = mustABI(evm.OwnableABI)
	entryPointABI = mustABI(evm.EntryPointABI)
	erc1056ABI    = mustABI(evm.ERC1056ABI)
)

func mustABI(def []byte) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(string(def)))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is a concurrency-safe fake chain. Accounts registered with
// DeployAccount answer owner() and validate signatures the way an
// ECDSA-owned smart account does.
type Backend struct {
	mu        sync.Mutex
	chainID   *big.Int
	code      map[common.Address][]byte
	owners    map[common.Address]common.Address
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]*big.Int
	identity  map[common.Address]common.Address
	callCount int

	// Err, when set, fails every call.
	Err error
}

// NewBackend returns an empty fake chain.
func NewBackend(chainID *big.Int) *Backend {
	return &Backend{
		chainID:  chainID,
		code:     map[common.Address][]byte{},
		owners:   map[common.Address]common.Address{},
		balances: map[common.Address]*big.Int{},
		nonces:   map[common.Address]*big.Int{},
		identity: map[common.Address]common.Address{},
	}
}

// DeployAccount places code at account and records its owner.
func (b *Backend) DeployAccount(account, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := common.HexToAddress(account)
	b.code[addr] = []byte{0x60, 0x80}
	b.owners[addr] = common.HexToAddress(owner)
}

// SetBalance sets the wei balance of address.
func (b *Backend) SetBalance(address string, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[common.HexToAddress(address)] = new(big.Int).Set(wei)
}

// SetNonce sets the EntryPoint nonce returned for sender.
func (b *Backend) SetNonce(sender string, nonce *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[common.HexToAddress(sender)] = new(big.Int).Set(nonce)
}

// SetIdentityOwner records a changed owner in the DID registry.
func (b *Backend) SetIdentityOwner(identity, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity[common.HexToAddress(identity)] = common.HexToAddress(owner)
}

// Calls returns how many eth_calls were served.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	if b.Err != nil {
		return nil, b.Err
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	return b.code[account], nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCount++
	if b.Err != nil {
		return nil, b.Err
	}
	if call.To == nil || len(call.Data) < 4 {
		return nil, errors.New("invalid call")
	}
	to := *call.To
	selector, args := call.Data[:4], call.Data[4:]

	switch {
	case bytes.Equal(selector, erc1271ABI.Methods["isValidSignature"].ID):
		return b.isValidSignature(to, args)
	case bytes.Equal(selector, ownableABI.Methods["owner"].ID):
		owner, ok := b.owners[to]
		if !ok {
			return nil, fmt.Errorf("execution reverted: no account at %s", to.Hex())
		}
		return ownableABI.Methods["owner"].Outputs.Pack(owner)
	case bytes.Equal(selector, entryPointABI.Methods["getNonce"].ID):
		values, err := entryPointABI.Methods["getNonce"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		nonce, ok := b.nonces[values[0].(common.Address)]
		if !ok {
			nonce = new(big.Int)
		}
		return entryPointABI.Methods["getNonce"].Outputs.Pack(nonce)
	case bytes.Equal(selector, erc1056ABI.Methods["identityOwner"].ID):
		values, err := erc1056ABI.Methods["identityOwner"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		identity := values[0].(common.Address)
		owner, ok := b.identity[identity]
		if !ok {
			owner = identity
		}
		return erc1056ABI.Methods["identityOwner"].Outputs.Pack(owner)
	}
	return nil, fmt.Errorf("execution reverted: unknown selector %x", selector)
}

func (b *Backend) isValidSignature(account common.Address, args []byte) ([]byte, error) {
	owner, ok := b.owners[account]
	if !ok {
		return nil, fmt.Errorf("execution reverted: no account at %s", account.Hex())
	}
	values, err := erc1271ABI.Methods["isValidSignature"].Inputs.Unpack(args)
	if err != nil {
		return nil, err
	}
	hash := values[0].([32]byte)
	signature := values[1].([]byte)

	var result [4]byte
	recovered, err := evm.RecoverHashSigner(hash[:], signature)
	if err == nil && common.HexToAddress(recovered) == owner {
		copy(result[:], common.FromHex(evm.EIP1271MagicValue))
	} else {
		result = [4]byte{0xff, 0xff, 0xff, 0xff}
	}
	return erc1271ABI.Methods["isValidSignature"].Outputs.Pack(result)
}
