package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	packedArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
	}

	envelopeArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxUint192 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1))
)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// packUint128Pair concatenates two uint128 values into a bytes32.
func packUint128Pair(high, low *big.Int) ([32]byte, error) {
	var out [32]byte
	high, low = orZero(high), orZero(low)
	if high.Sign() < 0 || high.Cmp(maxUint128) > 0 || low.Sign() < 0 || low.Cmp(maxUint128) > 0 {
		return out, fmt.Errorf("gas value out of uint128 range")
	}
	high.FillBytes(out[:16])
	low.FillBytes(out[16:])
	return out, nil
}

// InitCode returns factory ‖ factoryData, or nothing when no factory is set.
func (op UserOperation) InitCode() []byte {
	if op.Factory == "" {
		return []byte{}
	}
	initCode := append([]byte{}, common.HexToAddress(op.Factory).Bytes()...)
	return append(initCode, op.FactoryData...)
}

// PaymasterAndData returns paymaster ‖ verificationGas ‖ postOpGas ‖ data.
func (op UserOperation) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == "" {
		return []byte{}, nil
	}
	limits, err := packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, common.HexToAddress(op.Paymaster).Bytes()...)
	out = append(out, limits[:]...)
	return append(out, op.PaymasterData...), nil
}

// Pack converts the operation to its on-chain form.
func (op UserOperation) Pack() (PackedUserOperation, error) {
	accountGasLimits, err := packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return PackedUserOperation{}, fmt.Errorf("account gas limits: %w", err)
	}
	gasFees, err := packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return PackedUserOperation{}, fmt.Errorf("gas fees: %w", err)
	}
	paymasterAndData, err := op.PaymasterAndData()
	if err != nil {
		return PackedUserOperation{}, fmt.Errorf("paymaster: %w", err)
	}

	callData := op.CallData
	if callData == nil {
		callData = []byte{}
	}

	return PackedUserOperation{
		Sender:             common.HexToAddress(op.Sender).Hex(),
		Nonce:              orZero(op.Nonce),
		InitCode:           op.InitCode(),
		CallData:           callData,
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: orZero(op.PreVerificationGas),
		GasFees:            gasFees,
		PaymasterAndData:   paymasterAndData,
		Signature:          op.Signature,
	}, nil
}

// Hash returns getUserOpHash for the given EntryPoint and chain.
func (op UserOperation) Hash(entryPoint string, chainID *big.Int) ([]byte, error) {
	packed, err := op.Pack()
	if err != nil {
		return nil, err
	}
	return packed.Hash(entryPoint, chainID)
}

// Hash returns keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (p PackedUserOperation) Hash(entryPoint string, chainID *big.Int) ([]byte, error) {
	inner, err := packedArgs.Pack(
		common.HexToAddress(p.Sender),
		p.Nonce,
		crypto.Keccak256Hash(p.InitCode),
		crypto.Keccak256Hash(p.CallData),
		p.AccountGasLimits,
		p.PreVerificationGas,
		p.GasFees,
		crypto.Keccak256Hash(p.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user operation: %w", err)
	}

	outer, err := envelopeArgs.Pack(
		crypto.Keccak256Hash(inner),
		common.HexToAddress(entryPoint),
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user operation envelope: %w", err)
	}
	return crypto.Keccak256(outer), nil
}

// TypedMessage returns the EIP-712 message of the packed operation as
// validated by DeleGator accounts.
func (p PackedUserOperation) TypedMessage(entryPoint string) map[string]interface{} {
	return map[string]interface{}{
		"sender":             p.Sender,
		"nonce":              p.Nonce,
		"initCode":           p.InitCode,
		"callData":           p.CallData,
		"accountGasLimits":   p.AccountGasLimits[:],
		"preVerificationGas": p.PreVerificationGas,
		"gasFees":            p.GasFees[:],
		"paymasterAndData":   p.PaymasterAndData,
		"entryPoint":         common.HexToAddress(entryPoint).Hex(),
	}
}

// EncodeNonce combines a 192-bit key and a 64-bit sequence into an EntryPoint nonce.
func EncodeNonce(key *big.Int, sequence uint64) (*big.Int, error) {
	key = orZero(key)
	if key.Sign() < 0 || key.Cmp(maxUint192) > 0 {
		return nil, fmt.Errorf("nonce key out of uint192 range")
	}
	nonce := new(big.Int).Lsh(key, 64)
	return nonce.Or(nonce, new(big.Int).SetUint64(sequence)), nil
}

// DecodeNonce splits an EntryPoint nonce into key and sequence.
func DecodeNonce(nonce *big.Int) (key *big.Int, sequence uint64) {
	nonce = orZero(nonce)
	key = new(big.Int).Rsh(nonce, 64)
	seq := new(big.Int).And(nonce, new(big.Int).SetUint64(^uint64(0)))
	return key, seq.Uint64()
}
