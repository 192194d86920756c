package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Network represents a blockchain network identifier in CAIP-2 format
// (e.g. "eip155:11155111").
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the numeric reference of an eip155 network.
func (n Network) ChainID() (*big.Int, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return nil, err
	}
	if namespace != "eip155" {
		return nil, fmt.Errorf("network %s is not an eip155 network", n)
	}
	id, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network %s", n)
	}
	return id, nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}
	return false
}

// NetworkFromChainID builds the CAIP-2 identifier for an EVM chain.
func NetworkFromChainID(chainID *big.Int) Network {
	return Network("eip155:" + chainID.String())
}

// TypedDataDomain represents the EIP-712 domain separator.
// Empty fields are left out of the domain type, as wallets do.
type TypedDataDomain struct {
	Name              string   `json:"name,omitempty"`
	Version           string   `json:"version,omitempty"`
	ChainID           *big.Int `json:"chainId,omitempty"`
	VerifyingContract string   `json:"verifyingContract,omitempty"`
	Salt              string   `json:"salt,omitempty"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Backend is the subset of an Ethereum JSON-RPC client used by this module.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TypedDataSigner signs EIP-712 payloads on behalf of an address.
// EOAs and smart accounts both implement it.
type TypedDataSigner interface {
	// Address returns the address that signatures verify against
	Address() string

	// SignTypedData signs EIP-712 typed data
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// MessageSigner signs EIP-191 personal messages.
type MessageSigner interface {
	Address() string
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// HashSigner signs a precomputed 32-byte digest with the raw key.
type HashSigner interface {
	Address() string
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}
