// Package executor turns command tags in model output into validated,
// balance-checked and limit-checked ledger transfers, and runs the skill
// commands (balance checks and task scheduling). Every tag is replaced in
// the reply by a receipt or a notice.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/ledger"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// limitEpsilon absorbs float noise when comparing against the limit.
const limitEpsilon = 1e-9

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Store is the persistence the executor needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	AddSpending(ctx context.Context, id string, amount float64) (float64, error)
	RecordTransaction(ctx context.Context, t *store.Transaction) error
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
	AddCronJob(ctx context.Context, j *store.CronJobDef) error
	SetCronJobEnabled(ctx context.Context, agentID, id string, enabled bool) error
}

// Options are the executor's policy knobs.
type Options struct {
	// MaxAmount is the exclusive upper bound of a single transfer amount.
	MaxAmount float64

	ExplorerURL        string
	AccountingCurrency string
}

// OptionsFromConfig extracts the executor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxAmount:          cfg.Accounting.MaxAmount,
		ExplorerURL:        cfg.Ledger.ExplorerURL,
		AccountingCurrency: cfg.Accounting.Currency,
	}
}

// Intent is a validated transfer request.
type Intent struct {
	Kind            string // "native" or "token"
	To              string
	Amount          string
	Value           float64
	Currency        string
	AccountingValue float64
}

// Outcome is what happened to one detected transfer tag.
type Outcome struct {
	Command Command
	Intent  *Intent
	Hash    string
	Status  store.TxStatus

	// Err is the rejection or failure reason, nil on success.
	Err error
}

// Executed reports whether the transfer was confirmed on chain.
func (o *Outcome) Executed() bool { return o.Err == nil && o.Status == store.TxConfirmed }

// Batch summarises the transfer tags of one text.
type Batch struct {
	Outcomes []Outcome
}

// Detected is the number of transfer tags found.
func (b Batch) Detected() int { return len(b.Outcomes) }

// Succeeded counts confirmed transfers.
func (b Batch) Succeeded() int {
	n := 0
	for i := range b.Outcomes {
		if b.Outcomes[i].Executed() {
			n++
		}
	}
	return n
}

// Executor runs command tags for agents.
type Executor struct {
	store    Store
	ledger   ledger.Ledger
	registry *ledger.Registry
	rates    ledger.Rates
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Executor.
func New(st Store, l ledger.Ledger, registry *ledger.Registry, rates ledger.Rates, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAmount <= 0 {
		opts.MaxAmount = 1_000_000
	}
	if opts.AccountingCurrency == "" {
		opts.AccountingCurrency = "USD"
	}
	return &Executor{
		store:    st,
		ledger:   l,
		registry: registry,
		rates:    rates,
		opts:     opts,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Registry returns the token registry used for validation.
func (e *Executor) Registry() *ledger.Registry { return e.registry }

// agentLock serialises batches of the same agent so pre-flight and
// execution see a consistent spending counter.
func (e *Executor) agentLock(agentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[agentID] = m
	}
	return m
}

// ExecuteTransactions runs the SEND_NATIVE and SEND_TOKEN tags of text for
// the agent and returns the text with each tag replaced.
func (e *Executor) ExecuteTransactions(ctx context.Context, agentID, text string) (string, Batch) {
	cmds := filter(Parse(text), ActionSendNative, ActionSendToken)
	if len(cmds) == 0 {
		return text, Batch{}
	}

	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	batch := Batch{Outcomes: make([]Outcome, len(cmds))}
	for i, c := range cmds {
		batch.Outcomes[i].Command = c
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		e.logger.Error("failed to load agent for transfers", "agent", agentID, "error", err)
		for i := range batch.Outcomes {
			batch.Outcomes[i].Err = fmt.Errorf("agent unavailable: %w", err)
		}
		return e.render(text, batch), batch
	}

	if !agent.HasWallet() {
		for i := range batch.Outcomes {
			batch.Outcomes[i].Err = ErrWalletNotInitialized
		}
		e.audit(ctx, agent, batch)
		return e.render(text, batch), batch
	}

	var pending []int
	for i := range batch.Outcomes {
		o := &batch.Outcomes[i]
		if o.Command.Malformed {
			o.Err = malformed(o.Command)
			continue
		}
		it, err := e.validate(o.Command)
		if err != nil {
			o.Err = err
			continue
		}
		o.Intent = it
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		pending = e.preflight(ctx, agent, &batch, pending)
	}
	for _, i := range pending {
		e.execute(ctx, agent, &batch.Outcomes[i])
	}

	e.audit(ctx, agent, batch)
	return e.render(text, batch), batch
}

// validate checks recipient, amount and currency, in that order.
func (e *Executor) validate(c Command) (*Intent, error) {
	var it Intent
	switch c.Action {
	case ActionSendNative:
		it = Intent{Kind: "native", To: c.Args[0], Amount: c.Args[1], Currency: e.registry.Native()}
	case ActionSendToken:
		it = Intent{Kind: "token", Currency: strings.ToUpper(c.Args[0]), To: c.Args[1], Amount: c.Args[2]}
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedCommand, c.Action)
	}

	if !ledger.IsAddress(it.To) {
		return nil, fmt.Errorf("%w %q", ErrInvalidRecipient, it.To)
	}

	v, err := strconv.ParseFloat(it.Amount, 64)
	if !amountPattern.MatchString(it.Amount) || err != nil ||
		math.IsInf(v, 0) || math.IsNaN(v) || v <= 0 || v >= e.opts.MaxAmount {
		return nil, fmt.Errorf("%w %q", ErrInvalidAmount, it.Amount)
	}
	it.Value = v

	if it.Kind == "token" {
		if e.registry.IsNative(it.Currency) {
			it.Kind = "native"
		} else if _, ok := e.registry.Lookup(it.Currency); !ok {
			return nil, fmt.Errorf("%w %q, supported: %s", ErrUnsupportedCurrency, it.Currency, e.supported())
		}
	}

	if dec, ok := e.registry.Decimals(it.Currency); ok {
		if _, err := ledger.ToBaseUnits(it.Amount, dec); err != nil {
			return nil, fmt.Errorf("%w %q: %s allows at most %d decimals", ErrInvalidAmount, it.Amount, it.Currency, dec)
		}
	}

	acct, err := e.rates.AccountingValue(it.Currency, v)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnsupportedCurrency, it.Currency, err)
	}
	it.AccountingValue = acct
	return &it, nil
}

func (e *Executor) supported() string {
	return strings.Join(append([]string{e.registry.Native()}, e.registry.Symbols()...), ", ")
}

// preflight checks balances and the spending limit for the valid intents
// and returns the indexes that may execute.
func (e *Executor) preflight(ctx context.Context, agent *store.Agent, batch *Batch, pending []int) []int {
	bal, err := e.ledger.GetBalance(ctx, agent.WalletAddress)
	if err != nil {
		e.logger.Error("balance check failed", "agent", agent.ID, "error", err)
		for _, i := range pending {
			batch.Outcomes[i].Err = fmt.Errorf("could not read wallet balance: %w", err)
		}
		return nil
	}

	required := make(map[string]float64)
	for _, i := range pending {
		it := batch.Outcomes[i].Intent
		required[it.Currency] += it.Value
	}

	short := make(map[string]error)
	for currency, need := range required {
		var have float64
		if e.registry.IsNative(currency) {
			have = bal.Native
		} else {
			have, _ = bal.Token(currency)
		}
		if need > have {
			short[currency] = fmt.Errorf("%w: %s required %s, available %s",
				ErrInsufficientBalance, currency, formatAmount(need), formatAmount(have))
		}
	}

	var remaining []int
	for _, i := range pending {
		o := &batch.Outcomes[i]
		if err, ok := short[o.Intent.Currency]; ok {
			o.Err = err
			continue
		}
		remaining = append(remaining, i)
	}
	if len(remaining) == 0 {
		return nil
	}

	var total float64
	for _, i := range remaining {
		total += batch.Outcomes[i].Intent.AccountingValue
	}
	if agent.SpendingUsed+total > agent.SpendingLimit+limitEpsilon {
		err := fmt.Errorf("%w: limit %s %s, used %s, this request needs %s",
			ErrSpendingLimitExceeded, formatAmount(agent.SpendingLimit), e.opts.AccountingCurrency,
			formatAmount(agent.SpendingUsed), formatAmount(total))
		for _, i := range remaining {
			batch.Outcomes[i].Err = err
		}
		e.logger.Warn("spending limit reached",
			"agent", agent.ID, "limit", agent.SpendingLimit, "used", agent.SpendingUsed, "requested", total)
		return nil
	}
	return remaining
}

// execute submits one intent, waits for it and records the outcome.
func (e *Executor) execute(ctx context.Context, agent *store.Agent, o *Outcome) {
	it := o.Intent
	tx := &store.Transaction{
		AgentID:         agent.ID,
		Amount:          it.Amount,
		Currency:        it.Currency,
		Recipient:       it.To,
		AccountingValue: it.AccountingValue,
	}

	hash, err := e.ledger.SubmitTransfer(ctx, agent.WalletIndex, it.To, it.Amount, it.Currency)
	if err == nil {
		tx.Hash = hash
		var status ledger.Status
		status, err = e.ledger.WaitForConfirmation(ctx, hash)
		if err == nil && status == ledger.StatusReverted {
			tx.Status = store.TxReverted
			err = errors.New("transaction reverted on chain")
		}
	}
	switch {
	case err != nil && tx.Hash != "" && errors.Is(err, ledger.ErrLedgerConfirmationTimeout):
		tx.Status = store.TxPending
		tx.Error = err.Error()
		o.Err = err
	case err != nil:
		if tx.Status == "" {
			tx.Status = store.TxFailed
		}
		tx.Error = err.Error()
		o.Err = err
	default:
		tx.Status = store.TxConfirmed
	}
	o.Hash, o.Status = tx.Hash, tx.Status

	recCtx := context.WithoutCancel(ctx)
	if rerr := e.store.RecordTransaction(recCtx, tx); rerr != nil {
		e.logger.Error("failed to record transaction", "agent", agent.ID, "hash", tx.Hash, "error", rerr)
	}
	if tx.Status != store.TxConfirmed && tx.Status != store.TxPending {
		e.logger.Warn("transfer failed",
			"agent", agent.ID, "to", it.To, "amount", it.Amount, "currency", it.Currency, "error", err)
		return
	}

	used, err := e.store.AddSpending(recCtx, agent.ID, it.AccountingValue)
	if err != nil {
		e.logger.Error("failed to update spending", "agent", agent.ID, "error", err)
		return
	}
	agent.SpendingUsed = used
	if tx.Status == store.TxPending {
		e.logger.Warn("transfer unconfirmed, counted as spent",
			"agent", agent.ID, "hash", tx.Hash, "amount", it.Amount, "currency", it.Currency, "spending_used", used)
		return
	}
	e.logger.Info("transfer confirmed",
		"agent", agent.ID, "hash", tx.Hash, "amount", it.Amount, "currency", it.Currency, "spending_used", used)
}

func (e *Executor) audit(ctx context.Context, agent *store.Agent, batch Batch) {
	var hashes, failures []string
	for i := range batch.Outcomes {
		o := &batch.Outcomes[i]
		if o.Executed() {
			hashes = append(hashes, o.Hash)
		} else if o.Err != nil {
			failures = append(failures, o.Err.Error())
		}
	}
	msg := fmt.Sprintf("Executed %d of %d transfer commands", len(hashes), batch.Detected())
	_ = e.store.LogActivity(context.WithoutCancel(ctx), agent.ID, store.ActivityTransactions, msg, map[string]any{
		"detected":  batch.Detected(),
		"succeeded": len(hashes),
		"failed":    len(failures),
		"hashes":    hashes,
		"errors":    failures,
	})
}

func (e *Executor) render(text string, batch Batch) string {
	cmds := make([]Command, len(batch.Outcomes))
	repl := make([]string, len(batch.Outcomes))
	for i := range batch.Outcomes {
		o := &batch.Outcomes[i]
		cmds[i] = o.Command
		repl[i] = e.notice(o)
	}
	return rewrite(text, cmds, repl)
}

func (e *Executor) notice(o *Outcome) string {
	if o.Executed() {
		it := o.Intent
		parts := []string{fmt.Sprintf("Sent %s %s to %s", it.Amount, it.Currency, it.To), "tx " + o.Hash}
		if url := ledger.TxURL(e.opts.ExplorerURL, o.Hash); url != "" {
			parts = append(parts, url)
		}
		parts = append(parts, "network fee paid in "+e.registry.Native())
		return "[" + strings.Join(parts, " | ") + "]"
	}
	if o.Status == store.TxPending {
		return fmt.Sprintf("[Transfer of %s %s to %s submitted as tx %s but not confirmed yet. It counts against the spending limit.]",
			o.Intent.Amount, o.Intent.Currency, o.Intent.To, o.Hash)
	}
	if o.Status == store.TxFailed || o.Status == store.TxReverted {
		return fmt.Sprintf("[Transfer of %s %s to %s failed: %v]", o.Intent.Amount, o.Intent.Currency, o.Intent.To, o.Err)
	}
	return fmt.Sprintf("[Transfer not executed: %v]", o.Err)
}

func malformed(c Command) error {
	return fmt.Errorf("%w %s: expected %d arguments, got %d", ErrMalformedCommand, c.Action, arity[c.Action], len(c.Args))
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e9)/1e9, 'f', -1, 64)
}
