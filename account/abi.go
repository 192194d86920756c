package account

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const hybridDeleGatorABIJSON = `[
	{
		"inputs": [
			{"name": "_owner", "type": "address"},
			{"name": "_keyIds", "type": "string[]"},
			{"name": "_xValues", "type": "uint256[]"},
			{"name": "_yValues", "type": "uint256[]"}
		],
		"name": "initialize",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "_mode", "type": "bytes32"},
			{"name": "_executionCalldata", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const simpleFactoryABIJSON = `[
	{
		"inputs": [
			{"name": "_bytecode", "type": "bytes"},
			{"name": "_salt", "type": "bytes32"}
		],
		"name": "deploy",
		"outputs": [{"name": "addr_", "type": "address"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	hybridDeleGatorABI = mustParseABI(hybridDeleGatorABIJSON)
	simpleFactoryABI   = mustParseABI(simpleFactoryABIJSON)

	addressType, _ = abi.NewType("address", "", nil)
	bytesType, _   = abi.NewType("bytes", "", nil)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
