// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	subscriber "github.com/mcpagents/aa-subscriber"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/mcp"
)

// Agent transports selectable with MCP_TRANSPORT.
const (
	TransportHTTP       = "http"
	TransportStreamable = mcp.KindStreamable
	TransportSSE        = mcp.KindSSE
)

// Config is the runtime configuration of the subscriber.
type Config struct {
	PrivateKey   string
	RPCURL       string
	BundlerURL   string
	PaymasterURL string

	AgentEndpoint  string
	AgentTransport string

	ListenAddr     string
	LogMode        string
	BalanceRefresh time.Duration
	ReceiptTimeout time.Duration

	Service       subscriber.ServiceRequest
	Terms         subscriber.PaymentTerms
	TransferValue *big.Int

	ChainID            *big.Int
	ProxyCreationCode  string
	SubscriberAddress  string
	PresentationDomain string

	// Contract overrides; empty keeps the chain default.
	EntryPoint                string
	DelegationManager         string
	SimpleFactory             string
	HybridDeleGatorImpl       string
	ERC1056Registry           string
	NativeTokenPeriodTransfer string
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PrivateKey:                getEnv("EOA_PRIVATE_KEY", ""),
		RPCURL:                    getEnv("SEPOLIA_RPC_URL", ""),
		BundlerURL:                getEnv("BUNDLER_URL", ""),
		AgentEndpoint:             getEnv("MCP_ENDPOINT", "http://localhost:3001/mcp"),
		AgentTransport:            strings.ToLower(getEnv("MCP_TRANSPORT", TransportHTTP)),
		ListenAddr:                getEnv("LISTEN_ADDR", "127.0.0.1:3000"),
		LogMode:                   getEnv("LOG_MODE", ""),
		ProxyCreationCode:         getEnv("PROXY_CREATION_CODE", ""),
		SubscriberAddress:         getEnv("SUBSCRIBER_ACCOUNT_ADDRESS", ""),
		PresentationDomain:        getEnv("PRESENTATION_DOMAIN", ""),
		EntryPoint:                getEnv("ENTRY_POINT_ADDRESS", ""),
		DelegationManager:         getEnv("DELEGATION_MANAGER_ADDRESS", ""),
		SimpleFactory:             getEnv("SIMPLE_FACTORY_ADDRESS", ""),
		HybridDeleGatorImpl:       getEnv("HYBRID_DELEGATOR_IMPL_ADDRESS", ""),
		ERC1056Registry:           getEnv("ERC1056_REGISTRY_ADDRESS", ""),
		NativeTokenPeriodTransfer: getEnv("NATIVE_TOKEN_PERIOD_TRANSFER_ENFORCER", ""),
	}
	cfg.PaymasterURL = getEnv("PAYMASTER_URL", cfg.BundlerURL)

	defaults := subscriber.DefaultServiceRequest()
	cfg.Service = subscriber.ServiceRequest{
		Location: getEnv("SERVICE_LOCATION", defaults.Location),
		Service:  getEnv("SERVICE_NAME", defaults.Service),
	}

	var errs []error
	parseDuration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", key))
		}
		return d
	}
	parseWei := func(key, def string) *big.Int {
		n, ok := new(big.Int).SetString(getEnv(key, def), 10)
		if !ok || n.Sign() < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer", key))
			return new(big.Int)
		}
		if n.BitLen() > 256 {
			errs = append(errs, fmt.Errorf("%s does not fit in a uint256", key))
			return new(big.Int)
		}
		return n
	}
	parseUint := func(key string, def uint64) uint64 {
		raw := getEnv(key, strconv.FormatUint(def, 10))
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer", key))
		}
		return n
	}

	cfg.BalanceRefresh = parseDuration("BALANCE_REFRESH", "10s")
	cfg.ReceiptTimeout = parseDuration("RECEIPT_TIMEOUT", "2m")

	terms := subscriber.DefaultPaymentTerms()
	cfg.Terms = subscriber.PaymentTerms{
		Allowance: parseWei("PAYMENT_ALLOWANCE_WEI", terms.Allowance.String()),
		Period:    parseUint("PAYMENT_PERIOD_SECONDS", terms.Period),
		StartDate: parseUint("PAYMENT_START_DATE", terms.StartDate),
	}
	cfg.TransferValue = parseWei("TRANSFER_VALUE_WEI", "10")
	cfg.ChainID = parseWei("CHAIN_ID", evm.ChainIDSepolia.String())

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and address formats.
func (c *Config) Validate() error {
	var errs []error
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("EOA_PRIVATE_KEY is required"))
	}
	if c.RPCURL == "" {
		errs = append(errs, errors.New("SEPOLIA_RPC_URL is required"))
	}
	if c.BundlerURL == "" {
		errs = append(errs, errors.New("BUNDLER_URL is required"))
	}
	if c.ProxyCreationCode == "" {
		errs = append(errs, errors.New("PROXY_CREATION_CODE is required to derive smart accounts"))
	} else if _, err := evm.HexToBytes(c.ProxyCreationCode); err != nil {
		errs = append(errs, fmt.Errorf("PROXY_CREATION_CODE: %w", err))
	}

	switch c.AgentTransport {
	case TransportHTTP, TransportStreamable, TransportSSE:
	default:
		errs = append(errs, fmt.Errorf("MCP_TRANSPORT must be one of http, streamable, sse; got %q", c.AgentTransport))
	}

	addresses := map[string]string{
		"SUBSCRIBER_ACCOUNT_ADDRESS":            c.SubscriberAddress,
		"ENTRY_POINT_ADDRESS":                   c.EntryPoint,
		"DELEGATION_MANAGER_ADDRESS":            c.DelegationManager,
		"SIMPLE_FACTORY_ADDRESS":                c.SimpleFactory,
		"HYBRID_DELEGATOR_IMPL_ADDRESS":         c.HybridDeleGatorImpl,
		"ERC1056_REGISTRY_ADDRESS":              c.ERC1056Registry,
		"NATIVE_TOKEN_PERIOD_TRANSFER_ENFORCER": c.NativeTokenPeriodTransfer,
	}
	for key, value := range addresses {
		if value != "" && !evm.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s is not an address: %s", key, value))
		}
	}
	return errors.Join(errs...)
}

// Environment returns the contract environment of the configured chain with
// overrides applied. Chains without built-in addresses need every core
// contract overridden.
func (c *Config) Environment() (evm.Environment, error) {
	env, known := evm.LookupEnvironment(evm.NetworkFromChainID(c.ChainID))
	if !known {
		env = evm.Environment{EntryPoint: evm.EntryPointV07Address}
	}
	env.ChainID = new(big.Int).Set(c.ChainID)
	env.ProxyCreationCodeHex = c.ProxyCreationCode

	override := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}
	override(&env.EntryPoint, c.EntryPoint)
	override(&env.DelegationManager, c.DelegationManager)
	override(&env.SimpleFactory, c.SimpleFactory)
	override(&env.HybridDeleGatorImpl, c.HybridDeleGatorImpl)
	override(&env.ERC1056Registry, c.ERC1056Registry)
	override(&env.CaveatEnforcers.NativeTokenPeriodTransfer, c.NativeTokenPeriodTransfer)

	var missing []string
	for name, value := range map[string]string{
		"DELEGATION_MANAGER_ADDRESS":            env.DelegationManager,
		"SIMPLE_FACTORY_ADDRESS":                env.SimpleFactory,
		"HYBRID_DELEGATOR_IMPL_ADDRESS":         env.HybridDeleGatorImpl,
		"NATIVE_TOKEN_PERIOD_TRANSFER_ENFORCER": env.CaveatEnforcers.NativeTokenPeriodTransfer,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return evm.Environment{}, fmt.Errorf("chain %s has no built-in contracts; set %s", c.ChainID, strings.Join(missing, ", "))
	}
	return env, nil
}
