package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

// Token is one ERC-20 token the agents may transfer.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// Registry resolves token symbols. Lookups are case-insensitive.
type Registry struct {
	native string
	tokens map[string]Token
}

// NewRegistry validates the configured tokens.
func NewRegistry(nativeSymbol string, tokens []config.TokenConfig) (*Registry, error) {
	r := &Registry{native: strings.ToUpper(nativeSymbol), tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("token with address %q has no symbol", t.Address)
		}
		if sym == r.native {
			return nil, fmt.Errorf("token %s collides with the native currency", sym)
		}
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("token %s: invalid contract address %q", sym, t.Address)
		}
		if _, dup := r.tokens[sym]; dup {
			return nil, fmt.Errorf("token %s is configured twice", sym)
		}
		dec := t.Decimals
		if dec == 0 {
			dec = 18
		}
		if dec < 0 || dec > 36 {
			return nil, fmt.Errorf("token %s: decimals %d out of range", sym, dec)
		}
		r.tokens[sym] = Token{Symbol: sym, Address: common.HexToAddress(t.Address), Decimals: dec}
	}
	return r, nil
}

// Native returns the native currency symbol.
func (r *Registry) Native() string { return r.native }

// IsNative reports whether symbol is the native currency.
func (r *Registry) IsNative(symbol string) bool {
	return strings.EqualFold(symbol, r.native)
}

// Lookup returns the token registered under symbol.
func (r *Registry) Lookup(symbol string) (Token, bool) {
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// Decimals returns the precision of symbol, native included.
func (r *Registry) Decimals(symbol string) (int, bool) {
	if r.IsNative(symbol) {
		return nativeDecimals, true
	}
	t, ok := r.Lookup(symbol)
	return t.Decimals, ok
}

// Symbols returns the registered token symbols, sorted.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.tokens))
	for sym := range r.tokens {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Tokens returns every registered token ordered by symbol.
func (r *Registry) Tokens() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, sym := range r.Symbols() {
		out = append(out, r.tokens[sym])
	}
	return out
}
