package delegation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mcpagents/aa-subscriber/evm"
)

// CaveatBuilder accumulates caveats for one delegation. The first invalid
// argument is remembered and reported by Build.
type CaveatBuilder struct {
	enforcers evm.Enforcers
	caveats   []Caveat
	err       error
}

// NewCaveatBuilder returns a builder bound to the enforcers of env.
func NewCaveatBuilder(env evm.Environment) *CaveatBuilder {
	return &CaveatBuilder{enforcers: env.CaveatEnforcers, caveats: []Caveat{}}
}

// ErrUint256Overflow is returned for amounts that do not fit in a uint256.
var ErrUint256Overflow = errors.New("value exceeds uint256")

// uint256Word left-pads v into 32 bytes. v must be non-negative and fit in
// 256 bits; see checkUint256.
func uint256Word(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func checkUint256(v *big.Int) error {
	if v.BitLen() > 256 {
		return fmt.Errorf("%w: %d bits", ErrUint256Overflow, v.BitLen())
	}
	return nil
}

func (b *CaveatBuilder) fail(name string, err error) *CaveatBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%s: %w", name, err)
	}
	return b
}

func (b *CaveatBuilder) add(name, enforcer string, terms []byte) *CaveatBuilder {
	if enforcer == "" || !common.IsHexAddress(enforcer) {
		return b.fail(name, errors.New("enforcer not configured for this environment"))
	}
	b.caveats = append(b.caveats, Caveat{
		Enforcer: common.HexToAddress(enforcer).Hex(),
		Terms:    terms,
		Args:     []byte{},
	})
	return b
}

// AddCaveat appends a caveat with pre-encoded terms.
func (b *CaveatBuilder) AddCaveat(enforcer string, terms []byte) *CaveatBuilder {
	return b.add("caveat", enforcer, terms)
}

// NativeTokenPeriodTransfer allows up to allowance wei per period seconds,
// with the first period starting at startDate (unix seconds).
func (b *CaveatBuilder) NativeTokenPeriodTransfer(allowance *big.Int, period, startDate uint64) *CaveatBuilder {
	const name = "nativeTokenPeriodTransfer"
	switch {
	case allowance == nil || allowance.Sign() <= 0:
		return b.fail(name, errors.New("invalid periodAmount: must be a positive number"))
	case period == 0:
		return b.fail(name, errors.New("invalid periodDuration: must be a positive number"))
	case startDate == 0:
		return b.fail(name, errors.New("invalid startDate: must be a positive number"))
	}
	if err := checkUint256(allowance); err != nil {
		return b.fail(name, fmt.Errorf("invalid periodAmount: %w", err))
	}

	terms := append(uint256Word(allowance), uint256Word(new(big.Int).SetUint64(period))...)
	terms = append(terms, uint256Word(new(big.Int).SetUint64(startDate))...)
	return b.add(name, b.enforcers.NativeTokenPeriodTransfer, terms)
}

// NativeTokenTransferAmount caps the total native value transferred.
func (b *CaveatBuilder) NativeTokenTransferAmount(maxAmount *big.Int) *CaveatBuilder {
	const name = "nativeTokenTransferAmount"
	if maxAmount == nil || maxAmount.Sign() < 0 {
		return b.fail(name, errors.New("invalid maxAmount: must be zero or positive"))
	}
	if err := checkUint256(maxAmount); err != nil {
		return b.fail(name, fmt.Errorf("invalid maxAmount: %w", err))
	}
	return b.add(name, b.enforcers.NativeTokenTransferAmount, uint256Word(maxAmount))
}

// Timestamp restricts redemption to (after, before) in unix seconds. Zero
// disables a bound.
func (b *CaveatBuilder) Timestamp(after, before uint64) *CaveatBuilder {
	const name = "timestamp"
	if after != 0 && before != 0 && after >= before {
		return b.fail(name, errors.New("invalid thresholds: afterThreshold must be less than beforeThreshold"))
	}
	terms := make([]byte, 32)
	new(big.Int).SetUint64(after).FillBytes(terms[:16])
	new(big.Int).SetUint64(before).FillBytes(terms[16:])
	return b.add(name, b.enforcers.Timestamp, terms)
}

// AllowedTargets restricts the addresses the delegate may call.
func (b *CaveatBuilder) AllowedTargets(targets ...string) *CaveatBuilder {
	const name = "allowedTargets"
	if len(targets) == 0 {
		return b.fail(name, errors.New("at least one target is required"))
	}
	terms := make([]byte, 0, 20*len(targets))
	for _, t := range targets {
		if !common.IsHexAddress(t) {
			return b.fail(name, fmt.Errorf("invalid target address %q", t))
		}
		terms = append(terms, common.HexToAddress(t).Bytes()...)
	}
	return b.add(name, b.enforcers.AllowedTargets, terms)
}

// AllowedMethods restricts the 4-byte selectors the delegate may call.
func (b *CaveatBuilder) AllowedMethods(selectors ...[4]byte) *CaveatBuilder {
	const name = "allowedMethods"
	if len(selectors) == 0 {
		return b.fail(name, errors.New("at least one selector is required"))
	}
	terms := make([]byte, 0, 4*len(selectors))
	for _, s := range selectors {
		terms = append(terms, s[:]...)
	}
	return b.add(name, b.enforcers.AllowedMethods, terms)
}

// ValueLte caps the native value of each execution.
func (b *CaveatBuilder) ValueLte(maxValue *big.Int) *CaveatBuilder {
	const name = "valueLte"
	if maxValue == nil || maxValue.Sign() < 0 {
		return b.fail(name, errors.New("invalid maxValue: must be zero or positive"))
	}
	if err := checkUint256(maxValue); err != nil {
		return b.fail(name, fmt.Errorf("invalid maxValue: %w", err))
	}
	return b.add(name, b.enforcers.ValueLte, uint256Word(maxValue))
}

// LimitedCalls caps the number of redemptions.
func (b *CaveatBuilder) LimitedCalls(limit uint64) *CaveatBuilder {
	const name = "limitedCalls"
	if limit == 0 {
		return b.fail(name, errors.New("invalid limit: must be a positive integer"))
	}
	return b.add(name, b.enforcers.LimitedCalls, uint256Word(new(big.Int).SetUint64(limit)))
}

// ERC20TransferAmount caps the total amount of token transferred.
func (b *CaveatBuilder) ERC20TransferAmount(token string, maxAmount *big.Int) *CaveatBuilder {
	const name = "erc20TransferAmount"
	if !common.IsHexAddress(token) {
		return b.fail(name, fmt.Errorf("invalid token address %q", token))
	}
	if maxAmount == nil || maxAmount.Sign() <= 0 {
		return b.fail(name, errors.New("invalid maxAmount: must be a positive number"))
	}
	if err := checkUint256(maxAmount); err != nil {
		return b.fail(name, fmt.Errorf("invalid maxAmount: %w", err))
	}
	terms := append(common.HexToAddress(token).Bytes(), uint256Word(maxAmount)...)
	return b.add(name, b.enforcers.ERC20TransferAmount, terms)
}

// Build returns the accumulated caveats or the first argument error.
func (b *CaveatBuilder) Build() ([]Caveat, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]Caveat, len(b.caveats))
	copy(out, b.caveats)
	return out, nil
}
