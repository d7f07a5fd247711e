// Package brnum parses amounts written the way Brazilian OTC traders write
// them: period as thousands separator, comma as decimal separator, k/mil
// multipliers, and currency prefixes (R$, US$, USDT).
//
// Parsing is strict on sign — negative amounts are rejected — and all values
// come back as decimals so downstream deal math never touches floats.
package brnum

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

// amountRe matches one amount token inside free text: an optional currency
// prefix, a Brazilian-formatted number, and an optional multiplier suffix.
// wholeRe is the same pattern anchored to the full string, used by Parse.
var (
	amountPattern = `(r\$|us\$|usdt|usd)?\s*(\d{1,3}(?:\.\d{3})+(?:,\d+)?|\d+(?:,\d+)?)\s*(k|mil)?`
	amountRe      = regexp.MustCompile(`(?i)` + amountPattern)
	wholeRe       = regexp.MustCompile(`(?i)^` + amountPattern + `$`)
)

var thousand = decimal.NewFromInt(1000)

// Parse converts a standalone amount string to a decimal.
// Returns ok=false for empty, non-numeric, or negative input.
//
//	Parse("4.479.100,50") = 4479100.50
//	Parse("10k")          = 10000
//	Parse("R$ 5,25")      = 5.25
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	m := wholeRe.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, false
	}
	return toDecimal(m[2], m[3])
}

// Extracted is one amount found inside a message, with the currency implied
// by its prefix. Currency is empty when the amount had no prefix.
type Extracted struct {
	Amount   decimal.Decimal
	Currency types.Currency
}

// Extract finds the first amount token in free text.
//
// "trava 10000" yields 10000 with no currency; "fecha R$ 50k" yields 50000
// BRL; "manda 2 mil usdt" is matched by the USDT prefix form written either
// before or after the number.
func Extract(text string) (Extracted, bool) {
	lower := strings.ToLower(text)
	m := amountRe.FindStringSubmatch(lower)
	if m == nil {
		return Extracted{}, false
	}
	// Reject a leading minus immediately before the match.
	idx := strings.Index(lower, m[0])
	if idx > 0 && lower[idx-1] == '-' {
		return Extracted{}, false
	}

	amt, ok := toDecimal(m[2], m[3])
	if !ok {
		return Extracted{}, false
	}

	cur := prefixCurrency(m[1])
	if cur == "" {
		// A trailing currency word ("2 mil usdt") also counts.
		rest := strings.TrimSpace(lower[idx+len(m[0]):])
		switch {
		case strings.HasPrefix(rest, "usdt"), strings.HasPrefix(rest, "usd"):
			cur = types.CurrencyUSDT
		case strings.HasPrefix(rest, "reais"), strings.HasPrefix(rest, "real"), strings.HasPrefix(rest, "brl"):
			cur = types.CurrencyBRL
		}
	}
	return Extracted{Amount: amt, Currency: cur}, true
}

func prefixCurrency(prefix string) types.Currency {
	switch strings.ToLower(strings.TrimSpace(prefix)) {
	case "r$":
		return types.CurrencyBRL
	case "us$", "usdt", "usd":
		return types.CurrencyUSDT
	}
	return ""
}

func toDecimal(number, suffix string) (decimal.Decimal, bool) {
	// "4.479.100,50" → "4479100.50"
	normalized := strings.ReplaceAll(number, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")

	d, err := decimal.NewFromString(normalized)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}

	switch strings.ToLower(suffix) {
	case "k", "mil":
		d = d.Mul(thousand)
	}
	return d, true
}
