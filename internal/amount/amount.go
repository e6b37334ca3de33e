package amount

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseBaseUnits parses a non-negative base-10 integer that fits in uint256.
func ParseBaseUnits(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, clierr.New(clierr.CodeBadRequest, "amount is required")
	}
	if strings.HasPrefix(clean, "-") {
		return nil, clierr.New(clierr.CodeBadRequest, "amount must be non-negative")
	}
	v, err := uint256.FromDecimal(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "amount must be an unsigned integer string", err)
	}
	return v.ToBig(), nil
}

// Format renders base units as an exact decimal string with trailing zeros trimmed.
func Format(baseUnits *big.Int, decimals int32) string {
	if baseUnits == nil {
		return "0"
	}
	return decimal.NewFromBigInt(baseUnits, -decimals).String()
}

// FormatString is Format for decimal-string inputs; malformed input yields "".
func FormatString(baseUnits string, decimals int32) string {
	v, err := ParseBaseUnits(baseUnits)
	if err != nil {
		return ""
	}
	return Format(v, decimals)
}

// ToBaseUnits converts a human decimal like "1.25" into base units. Precision
// beyond the token's decimals is an error, never rounded.
func ToBaseUnits(value string, decimals int32) (*big.Int, error) {
	clean := strings.TrimSpace(value)
	if !decimalPattern.MatchString(clean) {
		return nil, clierr.New(clierr.CodeBadRequest, "amount must be in decimal form like 1.23")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeBadRequest, "decimals must be >= 0")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeBadRequest, "invalid decimal amount", err)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, clierr.Newf(clierr.CodeBadRequest, "decimal precision exceeds token decimals (%d)", decimals)
	}
	out := shifted.BigInt()
	if out.BitLen() > 256 {
		return nil, clierr.New(clierr.CodeBadRequest, "amount exceeds uint256")
	}
	return out, nil
}
