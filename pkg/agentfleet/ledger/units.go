package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// ToBaseUnits converts a decimal amount string into integer base units.
// Digits beyond the currency's precision are rejected.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if r.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FromBaseUnits converts base units into display units.
func FromBaseUnits(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Rat).SetFrac(v, scale).Float64()
	return f
}
