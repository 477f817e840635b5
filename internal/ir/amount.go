package ir

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxBaseUnits = decimal.NewFromUint64(math.MaxUint64)

// ScaleAmount converts a whole-unit amount into base units for an asset
// with the given decimals.
func ScaleAmount(whole uint64, decimals uint8) (uint64, error) {
	scaled := decimal.NewFromUint64(whole).Shift(int32(decimals))
	if scaled.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("amount %d with %d decimals overflows base units", whole, decimals)
	}
	return scaled.BigInt().Uint64(), nil
}

// SumAmounts adds base-unit amounts, failing on overflow.
func SumAmounts(amounts ...uint64) (uint64, error) {
	var total uint64
	for _, a := range amounts {
		if total > math.MaxUint64-a {
			return 0, fmt.Errorf("amount total overflows base units")
		}
		total += a
	}
	return total, nil
}

// FormatAmount renders base units as a decimal string in whole units.
func FormatAmount(base uint64, decimals uint8) string {
	return decimal.NewFromUint64(base).Shift(-int32(decimals)).String()
}
