package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DomainTypes returns the EIP712Domain field list for the fields set on domain,
// in canonical order.
func DomainTypes(domain TypedDataDomain) []TypedDataField {
	fields := make([]TypedDataField, 0, 5)
	if domain.Name != "" {
		fields = append(fields, TypedDataField{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, TypedDataField{Name: "version", Type: "string"})
	}
	if domain.ChainID != nil {
		fields = append(fields, TypedDataField{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, TypedDataField{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, TypedDataField{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// ToAPITypedData converts typed data into the go-ethereum apitypes form.
// The EIP712Domain type is derived from the domain when types does not carry one.
func ToAPITypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) apitypes.TypedData {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			VerifyingContract: domain.VerifyingContract,
			Salt:              domain.Salt,
		},
		Message: message,
	}
	if domain.ChainID != nil {
		typedData.Domain.ChainId = (*math.HexOrDecimal256)(domain.ChainID)
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		domainFields := DomainTypes(domain)
		typedFields := make([]apitypes.Type, len(domainFields))
		for i, field := range domainFields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types["EIP712Domain"] = typedFields
	}
	return typedData
}

// HashTypedData hashes EIP-712 typed data.
//
// The hash is computed as keccak256("\x19\x01" ‖ domainSeparator ‖ structHash)
// and is the digest that EOAs sign and ERC-1271 accounts validate.
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := ToAPITypedData(domain, types, primaryType, message)

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashMessage returns the EIP-191 personal-sign digest of message.
func HashMessage(message []byte) []byte {
	return accounts.TextHash(message)
}
