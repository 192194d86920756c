package evm

import (
	"math/big"
)

const (
	// EntryPointV07Address is the canonical ERC-4337 v0.7 EntryPoint.
	EntryPointV07Address = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

	// EIP1271MagicValue is returned by isValidSignature on success
	EIP1271MagicValue = "0x1626ba7e"

	// ZeroAddress is used as a no-op call target
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	// EtherDecimals is the number of decimals of the native token
	EtherDecimals = 18
)

var (
	// Network chain IDs
	ChainIDSepolia = big.NewInt(11155111)

	// SepoliaNetwork is the CAIP-2 identifier of the Sepolia testnet
	SepoliaNetwork = Network("eip155:11155111")
)

// Enforcers lists the caveat enforcer contracts of a deployment.
type Enforcers struct {
	NativeTokenPeriodTransfer string
	NativeTokenTransferAmount string
	Timestamp                 string
	AllowedTargets            string
	AllowedMethods            string
	ValueLte                  string
	LimitedCalls              string
	ERC20TransferAmount       string
}

// Environment holds the contract addresses of the account-abstraction and
// delegation framework on one chain.
type Environment struct {
	ChainID              *big.Int
	EntryPoint           string
	DelegationManager    string
	SimpleFactory        string
	HybridDeleGatorImpl  string
	EIP7702StatelessImpl string
	ERC1056Registry      string
	// ProxyCreationCodeHex is the ERC-1967 proxy init code SimpleFactory
	// deploys. Counterfactual derivation needs it.
	ProxyCreationCodeHex string
	CaveatEnforcers      Enforcers
}

// NetworkConfigs maps CAIP-2 networks to their deployed environment.
var NetworkConfigs = map[Network]Environment{
	SepoliaNetwork: {
		ChainID:              ChainIDSepolia,
		EntryPoint:           EntryPointV07Address,
		DelegationManager:    "0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3",
		SimpleFactory:        "0x69Aa2f9fe1572F1B640E1bbc512f5c3a734fc77c",
		HybridDeleGatorImpl:  "0x48dBe696A4D990079e039489bA2053B36E8FFEC4",
		EIP7702StatelessImpl: "0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B",
		ERC1056Registry:      "0x03d5003bf0e79C5F5223588F347ebA39AfbC3818",
		CaveatEnforcers: Enforcers{
			NativeTokenPeriodTransfer: "0x9BC0FAf4Aca5AE429F4c06aEEaC517520CB16BD9",
			NativeTokenTransferAmount: "0xF71af580b9c3078fbc2BBF16FbB8EEd82b330320",
			Timestamp:                 "0x1046bb45C8d673d4ea75321280DB34899413c069",
			AllowedTargets:            "0x7F20f61b1f09b08D970938F6fa563634d65c4EeB",
			AllowedMethods:            "0x2c21fD0Cb9DC8445CB3fb0DC5E7Bb0Aca01842B5",
			ValueLte:                  "0x92Bf12322527cAA612fd31a0e810472BBB106A8F",
			LimitedCalls:              "0x04658B29F6b82ed55274221a06Fc97D318E25416",
			ERC20TransferAmount:       "0xf100b0819427117EcF76Ed94B358B1A5b5C6D2Fc",
		},
	},
}

// LookupEnvironment returns the environment registered for network.
func LookupEnvironment(network Network) (Environment, bool) {
	env, ok := NetworkConfigs[network]
	return env, ok
}

var (
	// ERC1271ABI covers isValidSignature(bytes32,bytes)
	ERC1271ABI = []byte(`[
		{
			"inputs": [
				{"name": "hash", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "isValidSignature",
			"outputs": [{"name": "magicValue", "type": "bytes4"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// OwnableABI covers owner()
	OwnableABI = []byte(`[
		{
			"inputs": [],
			"name": "owner",
			"outputs": [{"name": "", "type": "address"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC1056ABI covers identityOwner(address) on the DID registry
	ERC1056ABI = []byte(`[
		{
			"inputs": [{"name": "identity", "type": "address"}],
			"name": "identityOwner",
			"outputs": [{"name": "", "type": "address"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// EntryPointABI covers the v0.7 EntryPoint views used by clients.
var EntryPointABI = []byte(`[
	{
		"inputs": [
			{"name": "sender", "type": "address"},
			{"name": "key", "type": "uint192"}
		],
		"name": "getNonce",
		"outputs": [{"name": "nonce", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "initCode", "type": "bytes"}],
		"name": "getSenderAddress",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "sender", "type": "address"}],
		"name": "SenderAddressResult",
		"type": "error"
	},
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)
