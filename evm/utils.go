package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
)

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if len(s)%2 != 0 {
		s = "0x0" + s[2:]
	}
	return hexutil.Decode(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return hexutil.Encode(b)
}

// FormatEther renders a wei amount as a decimal ether string, trimming
// trailing zeros but keeping at least one fractional digit ("1.0", "0.00001").
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	negative := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))

	fracStr := frac.String()
	fracStr = strings.Repeat("0", EtherDecimals-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")
	if fracStr == "" {
		fracStr = "0"
	}

	out := whole.String() + "." + fracStr
	if negative {
		out = "-" + out
	}
	return out
}

// ParseEther converts a decimal ether string to wei.
func ParseEther(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty ether amount")
	}
	parts := strings.SplitN(value, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > EtherDecimals {
		return nil, fmt.Errorf("too many decimal places in %s", value)
	}
	frac += strings.Repeat("0", EtherDecimals-len(frac))
	if whole == "" {
		whole = "0"
	}

	wei, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid ether amount: %s", value)
	}
	return wei, nil
}

// IsHexAddress reports whether s is a 20-byte hex address.
func IsHexAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Dial connects a Backend to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// ReadContract performs an eth_call against a contract method described by abiBytes.
func ReadContract(
	ctx context.Context,
	backend Backend,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) ([]interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	return outputs, nil
}

// IsContract reports whether code is deployed at address.
func IsContract(ctx context.Context, backend Backend, address string) (bool, error) {
	code, err := backend.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code: %w", err)
	}
	return len(code) > 0, nil
}
