package market

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// LamportsPerSOL is the fixed SOL divisor.
	LamportsPerSOL int64 = 1_000_000_000
	// DefaultTokenUnit is the token divisor for six-decimal launch tokens.
	DefaultTokenUnit int64 = 1_000_000
)

// Units carries the divisors that turn integer on-chain amounts into SOL and
// whole-token floats. The zero value behaves like DefaultUnits.
type Units struct {
	LamportsPerSOL int64 `json:"lamports_per_sol"`
	TokenUnit      int64 `json:"token_unit"`
}

// DefaultUnits are the divisors observed for every launch-platform asset.
var DefaultUnits = Units{LamportsPerSOL: LamportsPerSOL, TokenUnit: DefaultTokenUnit}

// MaxTokenDecimals is the largest decimal count whose divisor fits in int64.
const MaxTokenDecimals = 18

// UnitsForDecimals builds Units for a token with the given decimal count.
// Zero decimals fall back to the default token unit; counts above
// MaxTokenDecimals are clamped.
func UnitsForDecimals(decimals uint8) Units {
	if decimals == 0 {
		return DefaultUnits
	}
	if decimals > MaxTokenDecimals {
		decimals = MaxTokenDecimals
	}
	return Units{
		LamportsPerSOL: LamportsPerSOL,
		TokenUnit:      int64(math.Pow10(int(decimals))),
	}
}

// Resolve fills unset divisors with defaults.
func (u Units) Resolve() Units {
	if u.LamportsPerSOL <= 0 {
		u.LamportsPerSOL = LamportsPerSOL
	}
	if u.TokenUnit <= 0 {
		u.TokenUnit = DefaultTokenUnit
	}
	return u
}

// SOL converts lamports to SOL.
func (u Units) SOL(lamports int64) float64 {
	return scale(lamports, u.Resolve().LamportsPerSOL)
}

// Tokens converts token sub-units to whole tokens.
func (u Units) Tokens(subUnits int64) float64 {
	return scale(subUnits, u.Resolve().TokenUnit)
}

// SOLDecimal converts lamports to an exact SOL decimal.
func (u Units) SOLDecimal(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(decimal.NewFromInt(u.Resolve().LamportsPerSOL))
}

// TokensDecimal converts token sub-units to an exact whole-token decimal.
func (u Units) TokensDecimal(subUnits int64) decimal.Decimal {
	return decimal.NewFromInt(subUnits).Div(decimal.NewFromInt(u.Resolve().TokenUnit))
}

func scale(amount, divisor int64) float64 {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(divisor)).InexactFloat64()
}
