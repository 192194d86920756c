// Package delegation builds, signs and encodes delegations for the MetaMask
// delegation framework: a delegator smart account grants a delegate the right
// to act on its behalf, restricted by caveat enforcers.
package delegation

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RootAuthority marks a delegation that is not derived from another one.
const RootAuthority = "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// ErrUnsigned is returned when an unsigned delegation is redeemed.
var ErrUnsigned = errors.New("delegation is not signed")

// Caveat restricts a delegation through an on-chain enforcer.
type Caveat struct {
	Enforcer string        `json:"enforcer"`
	Terms    hexutil.Bytes `json:"terms"`
	Args     hexutil.Bytes `json:"args"`
}

// Delegation is a permission granted by Delegator to Delegate.
type Delegation struct {
	Delegate  string        `json:"delegate"`
	Delegator string        `json:"delegator"`
	Authority string        `json:"authority"`
	Caveats   []Caveat      `json:"caveats"`
	Salt      *hexutil.Big  `json:"salt"`
	Signature hexutil.Bytes `json:"signature"`
}

// IsSigned reports whether a signature is attached.
func (d Delegation) IsSigned() bool {
	return len(d.Signature) > 0
}

// CreateOption tweaks Create.
type CreateOption func(*Delegation)

// WithSalt sets the delegation salt.
func WithSalt(salt *big.Int) CreateOption {
	return func(d *Delegation) {
		d.Salt = (*hexutil.Big)(salt)
	}
}

// WithAuthority chains the delegation under a parent delegation hash.
func WithAuthority(parentHash common.Hash) CreateOption {
	return func(d *Delegation) {
		d.Authority = parentHash.Hex()
	}
}

// Create returns an unsigned root delegation from one account to another.
func Create(from, to string, caveats []Caveat, opts ...CreateOption) Delegation {
	if caveats == nil {
		caveats = []Caveat{}
	}
	d := Delegation{
		Delegate:  common.HexToAddress(to).Hex(),
		Delegator: common.HexToAddress(from).Hex(),
		Authority: RootAuthority,
		Caveats:   caveats,
		Salt:      (*hexutil.Big)(new(big.Int)),
		Signature: hexutil.Bytes{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// ExecutionMode is an ERC-7579 mode code.
type ExecutionMode [32]byte

var (
	// SingleDefaultMode executes one call and reverts on failure.
	SingleDefaultMode = ExecutionMode{}
	// BatchDefaultMode executes several calls and reverts on failure.
	BatchDefaultMode = ExecutionMode{0x01}
)

// Execution is one call performed by the redeeming account.
type Execution struct {
	Target   string
	Value    *big.Int
	CallData []byte
}
