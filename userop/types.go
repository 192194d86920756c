// Package userop models ERC-4337 v0.7 user operations: the RPC form sent to
// bundlers, the packed form hashed by the EntryPoint, and bundler receipts.
package userop

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is the unpacked v0.7 user operation.
type UserOperation struct {
	Sender                        string
	Nonce                         *big.Int
	Factory                       string
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     string
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

type rpcUserOperation struct {
	Sender                        string         `json:"sender"`
	Nonce                         *hexutil.Big   `json:"nonce"`
	Factory                       string         `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes  `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes  `json:"callData"`
	CallGasLimit                  *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Paymaster                     string         `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big   `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big   `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 *hexutil.Bytes `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes  `json:"signature"`
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(big.NewInt(0))
	}
	return (*hexutil.Big)(v)
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToInt()
}

// MarshalJSON encodes the operation in the bundler RPC form (hex quantities,
// factory and paymaster fields omitted when unset).
func (op UserOperation) MarshalJSON() ([]byte, error) {
	out := rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                toHexBig(op.Nonce),
		CallData:             op.CallData,
		CallGasLimit:         toHexBig(op.CallGasLimit),
		VerificationGasLimit: toHexBig(op.VerificationGasLimit),
		PreVerificationGas:   toHexBig(op.PreVerificationGas),
		MaxFeePerGas:         toHexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: toHexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if out.CallData == nil {
		out.CallData = hexutil.Bytes{}
	}
	if out.Signature == nil {
		out.Signature = hexutil.Bytes{}
	}
	if op.Factory != "" {
		out.Factory = op.Factory
		out.FactoryData = op.FactoryData
		if out.FactoryData == nil {
			out.FactoryData = hexutil.Bytes{}
		}
	}
	if op.Paymaster != "" {
		out.Paymaster = op.Paymaster
		out.PaymasterVerificationGasLimit = toHexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = toHexBig(op.PaymasterPostOpGasLimit)
		data := hexutil.Bytes(op.PaymasterData)
		if data == nil {
			data = hexutil.Bytes{}
		}
		out.PaymasterData = &data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the bundler RPC form.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var in rpcUserOperation
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:                        in.Sender,
		Nonce:                         fromHexBig(in.Nonce),
		Factory:                       in.Factory,
		FactoryData:                   in.FactoryData,
		CallData:                      in.CallData,
		CallGasLimit:                  fromHexBig(in.CallGasLimit),
		VerificationGasLimit:          fromHexBig(in.VerificationGasLimit),
		PreVerificationGas:            fromHexBig(in.PreVerificationGas),
		MaxFeePerGas:                  fromHexBig(in.MaxFeePerGas),
		MaxPriorityFeePerGas:          fromHexBig(in.MaxPriorityFeePerGas),
		Paymaster:                     in.Paymaster,
		PaymasterVerificationGasLimit: fromHexBig(in.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       fromHexBig(in.PaymasterPostOpGasLimit),
		Signature:                     in.Signature,
	}
	if in.PaymasterData != nil {
		op.PaymasterData = *in.PaymasterData
	}
	return nil
}

// PackedUserOperation is the on-chain v0.7 representation.
type PackedUserOperation struct {
	Sender             string
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// GasPrice is one fee tier.
type GasPrice struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPriceTiers is the result of pimlico_getUserOperationGasPrice.
type GasPriceTiers struct {
	Slow     GasPrice `json:"slow"`
	Standard GasPrice `json:"standard"`
	Fast     GasPrice `json:"fast"`
}

// TransactionReceipt is the bundle transaction that included the operation.
type TransactionReceipt struct {
	TransactionHash string       `json:"transactionHash"`
	BlockHash       string       `json:"blockHash,omitempty"`
	BlockNumber     *hexutil.Big `json:"blockNumber,omitempty"`
	Status          string       `json:"status,omitempty"`
}

// Receipt is the result of eth_getUserOperationReceipt.
type Receipt struct {
	UserOpHash    string             `json:"userOpHash"`
	EntryPoint    string             `json:"entryPoint"`
	Sender        string             `json:"sender"`
	Nonce         *hexutil.Big       `json:"nonce"`
	Paymaster     string             `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big       `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big       `json:"actualGasUsed"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason,omitempty"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// PaymasterData is the ERC-7677 pm_getPaymasterStubData / pm_getPaymasterData result.
type PaymasterData struct {
	Paymaster                     string        `json:"paymaster"`
	PaymasterData                 hexutil.Bytes `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big  `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big  `json:"paymasterPostOpGasLimit,omitempty"`
	IsFinal                       bool          `json:"isFinal,omitempty"`
}

// Call is one execution requested from a smart account.
type Call struct {
	To    string
	Value *big.Int
	Data  []byte
}
