// Package ledger is the Ledger Client: wallet address derivation, balance
// reads, signed transfer submission and confirmation tracking. The EVM
// implementation uses go-ethereum.
package ledger

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrLedgerSubmissionFailed    = errors.New("ledger submission failed")
	ErrLedgerConfirmationTimeout = errors.New("ledger confirmation timeout")
	ErrUnknownCurrency           = errors.New("unknown currency")
	ErrNoRate                    = errors.New("no accounting rate")
)

// Status is the on-chain outcome of a submitted transfer.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
)

// TokenBalance is the balance of one registry token.
type TokenBalance struct {
	Symbol  string
	Address string
	Amount  float64
}

// Balance is a wallet's holdings in display units.
type Balance struct {
	Native float64
	Tokens []TokenBalance
}

// Token returns the balance of symbol, case-insensitively.
func (b *Balance) Token(symbol string) (float64, bool) {
	for _, t := range b.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t.Amount, true
		}
	}
	return 0, false
}

// Ledger is what the executor and the CLI need from the chain.
type Ledger interface {
	// DeriveAddress returns the wallet address for a derivation index.
	DeriveAddress(index int) (string, error)

	GetBalance(ctx context.Context, address string) (*Balance, error)

	// SubmitTransfer signs and broadcasts a transfer of amount (decimal
	// string, display units) of currency from the index wallet to to.
	SubmitTransfer(ctx context.Context, index int, to, amount, currency string) (string, error)

	// WaitForConfirmation blocks until the transaction is mined or the
	// confirmation timeout elapses.
	WaitForConfirmation(ctx context.Context, txHash string) (Status, error)

	// SignMessage produces an EIP-191 personal signature with the index wallet.
	SignMessage(index int, message []byte) (string, error)
}
