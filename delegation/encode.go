package delegation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mcpagents/aa-subscriber/evm"
)

const redeemABIJSON = `[
	{
		"inputs": [
			{"name": "_permissionContexts", "type": "bytes[]"},
			{"name": "_modes", "type": "bytes32[]"},
			{"name": "_executionCallDatas", "type": "bytes[]"}
		],
		"name": "redeemDelegations",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	redeemABI, _ = abi.JSON(strings.NewReader(redeemABIJSON))

	delegationArrayType, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "delegate", Type: "address"},
		{Name: "delegator", Type: "address"},
		{Name: "authority", Type: "bytes32"},
		{Name: "caveats", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "enforcer", Type: "address"},
			{Name: "terms", Type: "bytes"},
			{Name: "args", Type: "bytes"},
		}},
		{Name: "salt", Type: "uint256"},
		{Name: "signature", Type: "bytes"},
	})

	executionArrayType, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
)

type caveatTuple struct {
	Enforcer common.Address
	Terms    []byte
	Args     []byte
}

type delegationTuple struct {
	Delegate  common.Address
	Delegator common.Address
	Authority [32]byte
	Caveats   []caveatTuple
	Salt      *big.Int
	Signature []byte
}

type executionTuple struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

func toTuple(d Delegation) (delegationTuple, error) {
	authority, err := evm.HexToBytes(d.Authority)
	if err != nil || len(authority) != 32 {
		return delegationTuple{}, fmt.Errorf("invalid authority %q", d.Authority)
	}
	t := delegationTuple{
		Delegate:  common.HexToAddress(d.Delegate),
		Delegator: common.HexToAddress(d.Delegator),
		Caveats:   make([]caveatTuple, len(d.Caveats)),
		Salt:      new(big.Int),
		Signature: d.Signature,
	}
	copy(t.Authority[:], authority)
	if d.Salt != nil {
		t.Salt = d.Salt.ToInt()
	}
	for i, c := range d.Caveats {
		t.Caveats[i] = caveatTuple{Enforcer: common.HexToAddress(c.Enforcer), Terms: c.Terms, Args: c.Args}
		if t.Caveats[i].Terms == nil {
			t.Caveats[i].Terms = []byte{}
		}
		if t.Caveats[i].Args == nil {
			t.Caveats[i].Args = []byte{}
		}
	}
	if t.Signature == nil {
		t.Signature = []byte{}
	}
	return t, nil
}

// EncodePermissionContext ABI-encodes a delegation chain, leaf first.
func EncodePermissionContext(chain []Delegation) ([]byte, error) {
	tuples := make([]delegationTuple, len(chain))
	for i, d := range chain {
		if !d.IsSigned() {
			return nil, fmt.Errorf("delegation %d: %w", i, ErrUnsigned)
		}
		t, err := toTuple(d)
		if err != nil {
			return nil, fmt.Errorf("delegation %d: %w", i, err)
		}
		tuples[i] = t
	}
	return abi.Arguments{{Type: delegationArrayType}}.Pack(tuples)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// EncodeSingleExecution packs target ‖ value ‖ callData.
func EncodeSingleExecution(e Execution) ([]byte, error) {
	value := valueOrZero(e.Value)
	if err := checkExecutionValue(value); err != nil {
		return nil, err
	}
	out := append([]byte{}, common.HexToAddress(e.Target).Bytes()...)
	out = append(out, uint256Word(value)...)
	return append(out, e.CallData...), nil
}

func checkExecutionValue(value *big.Int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("execution value must not be negative: %s", value)
	}
	if err := checkUint256(value); err != nil {
		return fmt.Errorf("execution value: %w", err)
	}
	return nil
}

// EncodeBatchExecution ABI-encodes an Execution[] array.
func EncodeBatchExecution(executions []Execution) ([]byte, error) {
	tuples := make([]executionTuple, len(executions))
	for i, e := range executions {
		callData := e.CallData
		if callData == nil {
			callData = []byte{}
		}
		value := valueOrZero(e.Value)
		if err := checkExecutionValue(value); err != nil {
			return nil, fmt.Errorf("execution %d: %w", i, err)
		}
		tuples[i] = executionTuple{Target: common.HexToAddress(e.Target), Value: value, CallData: callData}
	}
	return abi.Arguments{{Type: executionArrayType}}.Pack(tuples)
}

// EncodeExecutions encodes executions for the given mode. Single mode takes
// exactly one execution.
func EncodeExecutions(mode ExecutionMode, executions []Execution) ([]byte, error) {
	switch mode {
	case SingleDefaultMode:
		if len(executions) != 1 {
			return nil, fmt.Errorf("single mode requires exactly one execution, got %d", len(executions))
		}
		return EncodeSingleExecution(executions[0])
	case BatchDefaultMode:
		return EncodeBatchExecution(executions)
	default:
		return nil, fmt.Errorf("unsupported execution mode %x", mode[:1])
	}
}

// EncodeRedeemDelegations builds redeemDelegations calldata. The three
// slices run in parallel: one delegation chain, mode and execution list per
// redemption.
func EncodeRedeemDelegations(chains [][]Delegation, modes []ExecutionMode, executions [][]Execution) ([]byte, error) {
	if len(chains) != len(modes) || len(chains) != len(executions) {
		return nil, fmt.Errorf("mismatched lengths: %d delegation chains, %d modes, %d execution lists",
			len(chains), len(modes), len(executions))
	}

	contexts := make([][]byte, len(chains))
	modeWords := make([][32]byte, len(modes))
	callDatas := make([][]byte, len(executions))
	for i := range chains {
		ctx, err := EncodePermissionContext(chains[i])
		if err != nil {
			return nil, err
		}
		contexts[i] = ctx
		modeWords[i] = modes[i]

		data, err := EncodeExecutions(modes[i], executions[i])
		if err != nil {
			return nil, err
		}
		callDatas[i] = data
	}

	return redeemABI.Pack("redeemDelegations", contexts, modeWords, callDatas)
}
