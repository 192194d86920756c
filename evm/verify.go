package evm

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifyERC1271Signature asks the contract at account whether signature is
// valid for hash via isValidSignature (eth_call, no state changes).
//
// Returns false (not an error) if the contract answers with anything other
// than the magic value. A reverting call is reported as an error.
func VerifyERC1271Signature(
	ctx context.Context,
	backend Backend,
	account string,
	hash [32]byte,
	signature []byte,
) (bool, error) {
	outputs, err := ReadContract(ctx, backend, account, ERC1271ABI, "isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}
	if len(outputs) == 0 {
		return false, nil
	}
	magic, ok := outputs[0].([4]byte)
	if !ok {
		return false, nil
	}
	expected, _ := HexToBytes(EIP1271MagicValue)
	return bytes.Equal(magic[:], expected), nil
}

// RecoverHashSigner recovers the signer address of a 65-byte signature over hash.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverHashSigner(hash []byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// RecoverMessageSigner recovers the address that produced an EIP-191
// personal_sign signature over message.
func RecoverMessageSigner(message []byte, signature []byte) (string, error) {
	return RecoverHashSigner(HashMessage(message), signature)
}

// RecoverTypedDataSigner recovers the EOA that signed the given typed data.
func RecoverTypedDataSigner(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (string, error) {
	hash, err := HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return "", err
	}
	return RecoverHashSigner(hash, signature)
}

// VerifySignature checks signature over hash for signer. Contract accounts are
// verified through ERC-1271, EOAs through ECDSA recovery.
func VerifySignature(ctx context.Context, backend Backend, signer string, hash []byte, signature []byte) (bool, error) {
	if len(hash) != 32 {
		return false, fmt.Errorf("invalid hash length: %d", len(hash))
	}

	if backend != nil {
		isContract, err := IsContract(ctx, backend, signer)
		if err != nil {
			return false, err
		}
		if isContract {
			var digest [32]byte
			copy(digest[:], hash)
			return VerifyERC1271Signature(ctx, backend, signer, digest, signature)
		}
	}

	recovered, err := RecoverHashSigner(hash, signature)
	if err != nil {
		return false, nil //nolint:nilerr // malformed signatures are simply invalid
	}
	return strings.EqualFold(recovered, common.HexToAddress(signer).Hex()), nil
}
