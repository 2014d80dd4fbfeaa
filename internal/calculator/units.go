package calculator

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the base-unit exponent of the ledger's native currency (wei).
const NativeDecimals int32 = 18

// ToBaseUnits converts a decimal amount into the ledger's integer base unit.
// Amounts with more fractional digits than decimals are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative: %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts an integer base-unit value back into a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
