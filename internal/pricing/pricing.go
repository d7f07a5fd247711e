// Package pricing applies per-group spreads to raw mid rates and performs
// deal amount arithmetic.
//
// All math runs on decimals with explicit truncation — never rounding — to
// match operator convention: rates are truncated to 4 decimal places,
// BRL/USDT amounts to 2. Floats never enter a persisted value.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

const (
	RateDecimals   = 4 // quoted rate precision
	AmountDecimals = 2 // BRL and USDT amount precision
)

var tenThousand = decimal.NewFromInt(10000)

// Snapshot is the spread configuration a quote is priced against. The deal
// engine stores a copy on the deal so later reprices use the same policy.
type Snapshot struct {
	SpreadMode types.SpreadMode
	SellSpread decimal.Decimal
	BuySpread  decimal.Decimal
}

// ClientRate converts a raw mid to the rate offered to the client.
//
// When the client buys USDT the desk is selling, so SellSpread applies and
// pushes the rate up; when the client sells USDT, BuySpread applies and
// pulls the rate down. Spread signs are honored as configured — a negative
// spread quotes through the mid.
func ClientRate(mid decimal.Decimal, snap Snapshot, side types.Side) (decimal.Decimal, error) {
	spread := snap.SellSpread
	if side == types.ClientSellsUSDT {
		spread = snap.BuySpread
	}

	var rate decimal.Decimal
	switch snap.SpreadMode {
	case types.SpreadBps:
		factor := spread.Div(tenThousand)
		if side == types.ClientSellsUSDT {
			rate = mid.Mul(decimal.NewFromInt(1).Sub(factor))
		} else {
			rate = mid.Mul(decimal.NewFromInt(1).Add(factor))
		}
	case types.SpreadAbsBRL:
		if side == types.ClientSellsUSDT {
			rate = mid.Sub(spread)
		} else {
			rate = mid.Add(spread)
		}
	case types.SpreadFlat:
		rate = spread
	default:
		return decimal.Zero, fmt.Errorf("unknown spread mode %q", snap.SpreadMode)
	}

	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("spread produced non-positive rate %s from mid %s", rate, mid)
	}
	return rate.Truncate(RateDecimals), nil
}

// InvertRate back-solves the raw mid from a client rate. This is the declared
// inverse of ClientRate and recovers the original mid to within truncation
// error; flat mode carries no mid information and returns the rate itself.
func InvertRate(rate decimal.Decimal, snap Snapshot, side types.Side) (decimal.Decimal, error) {
	spread := snap.SellSpread
	if side == types.ClientSellsUSDT {
		spread = snap.BuySpread
	}

	switch snap.SpreadMode {
	case types.SpreadBps:
		factor := spread.Div(tenThousand)
		var denom decimal.Decimal
		if side == types.ClientSellsUSDT {
			denom = decimal.NewFromInt(1).Sub(factor)
		} else {
			denom = decimal.NewFromInt(1).Add(factor)
		}
		if denom.IsZero() {
			return decimal.Zero, fmt.Errorf("degenerate spread %s bps", spread)
		}
		return rate.DivRound(denom, RateDecimals+4).Truncate(RateDecimals), nil
	case types.SpreadAbsBRL:
		if side == types.ClientSellsUSDT {
			return rate.Add(spread), nil
		}
		return rate.Sub(spread), nil
	case types.SpreadFlat:
		return rate, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown spread mode %q", snap.SpreadMode)
	}
}

// USDTFromBRL converts a BRL amount at the given rate, truncated to cents.
func USDTFromBRL(brl, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate must be positive, got %s", rate)
	}
	return brl.DivRound(rate, AmountDecimals+6).Truncate(AmountDecimals), nil
}

// BRLFromUSDT converts a USDT amount at the given rate, truncated to cents.
func BRLFromUSDT(usdt, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate must be positive, got %s", rate)
	}
	return usdt.Mul(rate).Truncate(AmountDecimals), nil
}

// DriftBps measures how far current has moved from base, in basis points.
func DriftBps(base, current decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return current.Sub(base).Abs().Div(base).Mul(tenThousand)
}

// FormatRateBR renders a rate the Brazilian way: "R$ 5,2260".
func FormatRateBR(rate decimal.Decimal) string {
	return "R$ " + strings.ReplaceAll(rate.StringFixed(RateDecimals), ".", ",")
}

// FormatAmountBR renders an amount with period thousands and comma decimals:
// "4.479.100,50".
func FormatAmountBR(amount decimal.Decimal) string {
	s := amount.StringFixed(AmountDecimals)
	parts := strings.SplitN(s, ".", 2)
	intPart, decPart := parts[0], parts[1]

	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	out := b.String() + "," + decPart
	if neg {
		out = "-" + out
	}
	return out
}
