package delegation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mcpagents/aa-subscriber/evm"
)

// EIP712Types are the typed-data definitions the DelegationManager verifies.
var EIP712Types = map[string][]evm.TypedDataField{
	"Delegation": {
		{Name: "delegate", Type: "address"},
		{Name: "delegator", Type: "address"},
		{Name: "authority", Type: "bytes32"},
		{Name: "caveats", Type: "Caveat[]"},
		{Name: "salt", Type: "uint256"},
	},
	"Caveat": {
		{Name: "enforcer", Type: "address"},
		{Name: "terms", Type: "bytes"},
	},
}

// Domain returns the DelegationManager EIP-712 domain.
func Domain(chainID *big.Int, delegationManager string) evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              "DelegationManager",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(delegationManager).Hex(),
	}
}

// TypedMessage returns the EIP-712 message for d. Caveat args and the
// signature are not part of the signed payload.
func TypedMessage(d Delegation) (map[string]interface{}, error) {
	authority, err := evm.HexToBytes(d.Authority)
	if err != nil || len(authority) != 32 {
		return nil, fmt.Errorf("invalid authority %q", d.Authority)
	}

	caveats := make([]interface{}, len(d.Caveats))
	for i, c := range d.Caveats {
		caveats[i] = map[string]interface{}{
			"enforcer": common.HexToAddress(c.Enforcer).Hex(),
			"terms":    []byte(c.Terms),
		}
	}

	salt := new(big.Int)
	if d.Salt != nil {
		salt = d.Salt.ToInt()
	}

	return map[string]interface{}{
		"delegate":  common.HexToAddress(d.Delegate).Hex(),
		"delegator": common.HexToAddress(d.Delegator).Hex(),
		"authority": authority,
		"caveats":   caveats,
		"salt":      salt,
	}, nil
}

// Hash returns the EIP-712 digest that the delegator signs.
func Hash(d Delegation, chainID *big.Int, delegationManager string) ([]byte, error) {
	message, err := TypedMessage(d)
	if err != nil {
		return nil, err
	}
	return evm.HashTypedData(Domain(chainID, delegationManager), EIP712Types, "Delegation", message)
}

// Sign signs d with the delegator's signer and returns the signed copy.
func Sign(
	ctx context.Context,
	signer evm.TypedDataSigner,
	d Delegation,
	chainID *big.Int,
	delegationManager string,
) (Delegation, error) {
	if !addressesEqual(signer.Address(), d.Delegator) {
		return Delegation{}, fmt.Errorf("signer %s is not the delegator %s", signer.Address(), d.Delegator)
	}

	message, err := TypedMessage(d)
	if err != nil {
		return Delegation{}, err
	}
	sig, err := signer.SignTypedData(ctx, Domain(chainID, delegationManager), EIP712Types, "Delegation", message)
	if err != nil {
		return Delegation{}, fmt.Errorf("failed to sign delegation: %w", err)
	}

	signed := d
	signed.Signature = sig
	return signed, nil
}

// Verify checks the delegation signature against the delegator, through
// ERC-1271 when the delegator is a deployed contract.
func Verify(ctx context.Context, backend evm.Backend, d Delegation, chainID *big.Int, delegationManager string) (bool, error) {
	if !d.IsSigned() {
		return false, ErrUnsigned
	}
	hash, err := Hash(d, chainID, delegationManager)
	if err != nil {
		return false, err
	}
	return evm.VerifySignature(ctx, backend, d.Delegator, hash, d.Signature)
}

func addressesEqual(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
