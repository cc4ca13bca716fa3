package ledger

import (
	"fmt"
	"strings"
)

// Rates converts transferred amounts into the accounting currency.
type Rates interface {
	AccountingValue(currency string, amount float64) (float64, error)
}

// StaticRates is a fixed symbol → rate table.
type StaticRates map[string]float64

// NewStaticRates normalises symbols to upper case.
func NewStaticRates(rates map[string]float64) StaticRates {
	out := make(StaticRates, len(rates))
	for sym, r := range rates {
		out[strings.ToUpper(sym)] = r
	}
	return out
}

// AccountingValue returns amount × rate(currency).
func (s StaticRates) AccountingValue(currency string, amount float64) (float64, error) {
	r, ok := s[strings.ToUpper(currency)]
	if !ok || r < 0 {
		return 0, fmt.Errorf("%w for %s", ErrNoRate, strings.ToUpper(currency))
	}
	return amount * r, nil
}
