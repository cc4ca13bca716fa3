package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/database"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/ledger"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

const (
	recipient = "0xABCDEF0123456789abcdef0123456789ABCDEF01"
	wallet    = "0x1111111111111111111111111111111111111111"
	cusd      = "0x765DE816845861e75A25fCA122bb6898B8B1282a"
)

type fakeLedger struct {
	mu         sync.Mutex
	balance    ledger.Balance
	submitted  []string
	submitErr  error
	status     ledger.Status
	confirmErr error
}

func (f *fakeLedger) DeriveAddress(int) (string, error) { return wallet, nil }

func (f *fakeLedger) GetBalance(context.Context, string) (*ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balance
	return &b, nil
}

func (f *fakeLedger) SubmitTransfer(_ context.Context, _ int, to, amount, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, fmt.Sprintf("%s %s %s", amount, currency, to))
	return fmt.Sprintf("0xhash%d", len(f.submitted)), nil
}

func (f *fakeLedger) WaitForConfirmation(context.Context, string) (ledger.Status, error) {
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	if f.status == "" {
		return ledger.StatusConfirmed, nil
	}
	return f.status, nil
}

func (f *fakeLedger) SignMessage(int, []byte) (string, error) { return "0xsig", nil }

type fixture struct {
	store  *store.Store
	ledger *fakeLedger
	exec   *Executor
}

func newFixture(t *testing.T, native float64) *fixture {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "executor.db")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db.DB, nil)

	reg, err := ledger.NewRegistry("CELO", []config.TokenConfig{{Symbol: "cUSD", Address: cusd}})
	if err != nil {
		t.Fatal(err)
	}
	fl := &fakeLedger{balance: ledger.Balance{Native: native, Tokens: []ledger.TokenBalance{{Symbol: "CUSD", Amount: 3}}}}
	rates := ledger.NewStaticRates(map[string]float64{"CELO": 1, "CUSD": 1})
	exec := New(st, fl, reg, rates, Options{ExplorerURL: "https://explorer.example"}, nil)
	return &fixture{store: st, ledger: fl, exec: exec}
}

// agent creates an active agent with a wallet, limit and prior spending.
func (f *fixture) agent(t *testing.T, limit, used float64, withWallet bool) *store.Agent {
	t.Helper()
	ctx := context.Background()
	a := &store.Agent{Name: "Treasurer", Category: "payments", SpendingLimit: limit}
	if err := f.store.CreateAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	if withWallet {
		if err := f.store.SetWallet(ctx, a.ID, wallet, 0); err != nil {
			t.Fatal(err)
		}
	}
	if used > 0 {
		if _, err := f.store.AddSpending(ctx, a.ID, used); err != nil {
			t.Fatal(err)
		}
	}
	got, err := f.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (f *fixture) transactions(t *testing.T, agentID string) []*store.Transaction {
	t.Helper()
	txs, err := f.store.ListTransactions(context.Background(), agentID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return txs
}

func (f *fixture) spendingUsed(t *testing.T, agentID string) float64 {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatal(err)
	}
	return a.SpendingUsed
}

func TestSendNativeSucceeds(t *testing.T) {
	f := newFixture(t, 5)
	a := f.agent(t, 100, 10, true)
	text := "Sure, sending now. [[SEND_NATIVE|" + recipient + "|2]] Done."

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, text)

	if batch.Detected() != 1 || batch.Succeeded() != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	txs := f.transactions(t, a.ID)
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	if txs[0].Status != store.TxConfirmed || txs[0].Hash != "0xhash1" || txs[0].Amount != "2" || txs[0].Currency != "CELO" {
		t.Errorf("transaction = %+v", txs[0])
	}
	if used := f.spendingUsed(t, a.ID); used != 12 {
		t.Errorf("spending used = %v, want 12", used)
	}
	if strings.Contains(out, "[[") {
		t.Errorf("tag left in output: %q", out)
	}
	for _, want := range []string{"Sent 2 CELO", "0xhash1", "https://explorer.example/tx/0xhash1", "fee paid in CELO", "Sure, sending now. ", " Done."} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}

	logs, _ := f.store.ListActivity(context.Background(), a.ID, store.ActivityTransactions, 10)
	if len(logs) != 1 {
		t.Errorf("got %d batch audit entries, want 1", len(logs))
	}
}

func TestSendNativeInsufficientBalance(t *testing.T) {
	f := newFixture(t, 1)
	a := f.agent(t, 100, 10, true)

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|2]]")

	if len(f.transactions(t, a.ID)) != 0 {
		t.Error("transaction recorded despite insufficient balance")
	}
	if len(f.ledger.submitted) != 0 {
		t.Error("transfer submitted despite insufficient balance")
	}
	if !errors.Is(batch.Outcomes[0].Err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", batch.Outcomes[0].Err)
	}
	if !strings.Contains(out, "required 2") || !strings.Contains(out, "available 1") {
		t.Errorf("notice %q does not name required and available amounts", out)
	}
	if used := f.spendingUsed(t, a.ID); used != 10 {
		t.Errorf("spending used = %v, want 10", used)
	}
}

func TestInsufficientNativeStillRunsTokens(t *testing.T) {
	f := newFixture(t, 1)
	a := f.agent(t, 100, 0, true)
	text := "[[SEND_NATIVE|" + recipient + "|2]] and [[SEND_TOKEN|cusd|" + recipient + "|1.5]]"

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, text)

	if !errors.Is(batch.Outcomes[0].Err, ErrInsufficientBalance) {
		t.Errorf("native err = %v", batch.Outcomes[0].Err)
	}
	if !batch.Outcomes[1].Executed() {
		t.Errorf("token transfer not executed: %v", batch.Outcomes[1].Err)
	}
	if len(f.ledger.submitted) != 1 || f.ledger.submitted[0] != "1.5 CUSD "+recipient {
		t.Errorf("submitted = %v", f.ledger.submitted)
	}
	if used := f.spendingUsed(t, a.ID); used != 1.5 {
		t.Errorf("spending used = %v, want 1.5", used)
	}
	if !strings.Contains(out, "Sent 1.5 CUSD") {
		t.Errorf("output = %q", out)
	}
}

func TestSpendingLimitBlocksWholeBatch(t *testing.T) {
	f := newFixture(t, 50)
	a := f.agent(t, 100, 95, true)
	text := "[[SEND_NATIVE|" + recipient + "|3]] [[SEND_NATIVE|" + recipient + "|3]]"

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, text)

	for i, o := range batch.Outcomes {
		if !errors.Is(o.Err, ErrSpendingLimitExceeded) {
			t.Errorf("outcome %d err = %v, want ErrSpendingLimitExceeded", i, o.Err)
		}
	}
	if len(f.ledger.submitted) != 0 || len(f.transactions(t, a.ID)) != 0 {
		t.Error("nothing should execute when the limit is reached")
	}
	if strings.Count(out, "spending limit reached") != 2 {
		t.Errorf("output = %q", out)
	}
}

func TestLimitIsNeverExceededUnderConcurrency(t *testing.T) {
	f := newFixture(t, 1000)
	a := f.agent(t, 10, 0, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|3]]")
		}()
	}
	wg.Wait()

	if used := f.spendingUsed(t, a.ID); used != 9 {
		t.Errorf("spending used = %v, want 9 (three transfers of 3 within a limit of 10)", used)
	}
	if n := len(f.transactions(t, a.ID)); n != 3 {
		t.Errorf("got %d transactions, want 3", n)
	}
}

func TestValidationNotices(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 100, 0, true)

	tests := []struct {
		name string
		tag  string
		want error
	}{
		{"bad recipient", "[[SEND_NATIVE|0x1234|1]]", ErrInvalidRecipient},
		{"missing 0x", "[[SEND_NATIVE|ABCDEF0123456789abcdef0123456789ABCDEF01|1]]", ErrInvalidRecipient},
		{"zero amount", "[[SEND_NATIVE|" + recipient + "|0]]", ErrInvalidAmount},
		{"negative amount", "[[SEND_NATIVE|" + recipient + "|-1]]", ErrInvalidAmount},
		{"not a number", "[[SEND_NATIVE|" + recipient + "|lots]]", ErrInvalidAmount},
		{"infinite", "[[SEND_NATIVE|" + recipient + "|Inf]]", ErrInvalidAmount},
		{"above bound", "[[SEND_NATIVE|" + recipient + "|1000000]]", ErrInvalidAmount},
		{"unknown token", "[[SEND_TOKEN|DOGE|" + recipient + "|1]]", ErrUnsupportedCurrency},
		{"wrong arity", "[[SEND_NATIVE|" + recipient + "]]", ErrMalformedCommand},
		{"too many args", "[[SEND_TOKEN|CUSD|" + recipient + "|1|2]]", ErrMalformedCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "x "+tt.tag+" y")
			if batch.Detected() != 1 {
				t.Fatalf("detected %d tags", batch.Detected())
			}
			if !errors.Is(batch.Outcomes[0].Err, tt.want) {
				t.Errorf("err = %v, want %v", batch.Outcomes[0].Err, tt.want)
			}
			if !strings.HasPrefix(out, "x [Transfer not executed: ") || !strings.HasSuffix(out, "] y") {
				t.Errorf("output = %q", out)
			}
		})
	}
	if len(f.ledger.submitted) != 0 {
		t.Errorf("invalid tags were submitted: %v", f.ledger.submitted)
	}

	_, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_TOKEN|DOGE|"+recipient+"|1]]")
	if msg := batch.Outcomes[0].Err.Error(); !strings.Contains(msg, "CELO, CUSD") {
		t.Errorf("unsupported currency notice %q does not list supported symbols", msg)
	}
}

func TestAmountPrecision(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 100, 0, true)

	for _, tag := range []string{
		"[[SEND_NATIVE|" + recipient + "|0.0000000000000000001]]",
		"[[SEND_TOKEN|CUSD|" + recipient + "|1.0000000000000000001]]",
	} {
		out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, tag)
		if !errors.Is(batch.Outcomes[0].Err, ErrInvalidAmount) || !strings.Contains(out, "at most 18 decimals") {
			t.Errorf("%s: err = %v, output %q", tag, batch.Outcomes[0].Err, out)
		}
	}
	if len(f.ledger.submitted) != 0 || len(f.transactions(t, a.ID)) != 0 {
		t.Errorf("over-precise amounts reached the ledger: %v", f.ledger.submitted)
	}

	_, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|0.000000000000000001]]")
	if batch.Outcomes[0].Err != nil {
		t.Errorf("18 decimals rejected: %v", batch.Outcomes[0].Err)
	}
}

func TestUnconfirmedTransferCountsAsSpent(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 5, 0, true)
	f.ledger.confirmErr = fmt.Errorf("%w: 0xhash1 after 2m0s", ledger.ErrLedgerConfirmationTimeout)

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|4]]")
	o := batch.Outcomes[0]
	if o.Status != store.TxPending || o.Hash != "0xhash1" || o.Executed() {
		t.Fatalf("outcome = %+v", o)
	}
	if !strings.Contains(out, "not confirmed yet") || !strings.Contains(out, "0xhash1") {
		t.Errorf("output = %q", out)
	}
	if used := f.spendingUsed(t, a.ID); used != 4 {
		t.Errorf("spending used = %v, want 4", used)
	}
	txs := f.transactions(t, a.ID)
	if len(txs) != 1 || txs[0].Status != store.TxPending || txs[0].Hash != "0xhash1" {
		t.Errorf("records = %+v", txs)
	}

	// The unconfirmed 4 leaves 1 of the limit.
	f.ledger.confirmErr = nil
	_, batch = f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|2]]")
	if !errors.Is(batch.Outcomes[0].Err, ErrSpendingLimitExceeded) {
		t.Errorf("err = %v, want ErrSpendingLimitExceeded", batch.Outcomes[0].Err)
	}
}

func TestWalletNotInitialized(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 100, 0, false)
	text := "[[SEND_NATIVE|" + recipient + "|1]] [[SEND_NATIVE|bogus]]"

	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, text)

	for _, o := range batch.Outcomes {
		if !errors.Is(o.Err, ErrWalletNotInitialized) {
			t.Errorf("err = %v, want ErrWalletNotInitialized", o.Err)
		}
	}
	if strings.Count(out, "wallet not initialized") != 2 {
		t.Errorf("output = %q", out)
	}
}

func TestSubmissionAndConfirmationFailures(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 100, 0, true)

	f.ledger.submitErr = fmt.Errorf("%w: nonce too low", ledger.ErrLedgerSubmissionFailed)
	out, batch := f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|1]]")
	if batch.Outcomes[0].Status != store.TxFailed || !strings.Contains(out, "failed") {
		t.Errorf("submission failure: status %q, output %q", batch.Outcomes[0].Status, out)
	}

	f.ledger.submitErr = nil
	f.ledger.status = ledger.StatusReverted
	_, batch = f.exec.ExecuteTransactions(context.Background(), a.ID, "[[SEND_NATIVE|"+recipient+"|1]]")
	if batch.Outcomes[0].Status != store.TxReverted {
		t.Errorf("reverted: outcome = %+v", batch.Outcomes[0])
	}

	txs := f.transactions(t, a.ID)
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2 failure records", len(txs))
	}
	if txs[0].Status != store.TxReverted || txs[1].Status != store.TxFailed || txs[1].Hash != "" {
		t.Errorf("records = %+v %+v", txs[0], txs[1])
	}
	if used := f.spendingUsed(t, a.ID); used != 0 {
		t.Errorf("spending used = %v after failures, want 0", used)
	}
}

func TestMalformedTagsNeverPanic(t *testing.T) {
	f := newFixture(t, 100)
	a := f.agent(t, 100, 0, true)

	inputs := []string{
		"",
		"[[",
		"]]",
		"[[SEND_NATIVE",
		"[[SEND_NATIVE|]]",
		"[[SEND_NATIVE|||]]",
		"[[send_native|" + recipient + "|1]]",
		"[[UNKNOWN|a|b]]",
		"[[SEND_TOKEN]]",
		"[[SEND_NATIVE|" + recipient + "|1]",
		"[[SEND_NATIVE|[[SEND_NATIVE|" + recipient + "|1]]",
		"[[CHECK_BALANCE|extra]]",
		"[[SCHEDULE_TASK|* * * * *]]",
		"[[CANCEL_TASK]]",
		"[[SEND_NATIVE|" + recipient + "|1.5.5]] ünïcödé [[SEND_NATIVE|" + recipient + "|１]]",
		"still works: [[SEND_NATIVE|" + recipient + "|1]]",
	}
	for _, in := range inputs {
		out, _ := f.exec.ExecuteSkills(context.Background(), a, in)
		f.exec.ExecuteTransactions(context.Background(), a.ID, out)
	}
	if used := f.spendingUsed(t, a.ID); used != 1 {
		t.Errorf("spending used = %v, want 1 (only the last tag is valid)", used)
	}
}

func TestSkills(t *testing.T) {
	f := newFixture(t, 5)
	a := f.agent(t, 100, 10, true)
	ctx := context.Background()

	out, n := f.exec.ExecuteSkills(ctx, a, "Here: [[CHECK_BALANCE]]")
	if n != 1 || !strings.Contains(out, "5 CELO") || !strings.Contains(out, "3 CUSD") || !strings.Contains(out, "90 USD") {
		t.Errorf("balance output = %q", out)
	}

	out, _ = f.exec.ExecuteSkills(ctx, a, "[[SCHEDULE_TASK|0 9 * * 1-5|daily report|Summarise yesterday's payments]]")
	if !strings.Contains(out, "Scheduled task \"daily report\"") {
		t.Fatalf("schedule output = %q", out)
	}
	jobs, err := f.store.ListCronJobs(ctx, a.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, %v", jobs, err)
	}
	if jobs[0].Schedule != "0 9 * * 1-5" || !jobs[0].Enabled {
		t.Errorf("job = %+v", jobs[0])
	}

	out, _ = f.exec.ExecuteSkills(ctx, a, "[[SCHEDULE_TASK|every day|x|y]]")
	if !strings.Contains(out, "SCHEDULE_TASK failed") {
		t.Errorf("invalid schedule output = %q", out)
	}

	out, _ = f.exec.ExecuteSkills(ctx, a, "[[CANCEL_TASK|"+jobs[0].ID+"]]")
	if !strings.Contains(out, "Cancelled task") {
		t.Errorf("cancel output = %q", out)
	}
	job, _ := f.store.GetCronJob(ctx, jobs[0].ID)
	if job.Enabled {
		t.Error("job still enabled after cancel")
	}

	out, _ = f.exec.ExecuteSkills(ctx, a, "[[CANCEL_TASK|nope]]")
	if !strings.Contains(out, "not found") {
		t.Errorf("cancel unknown output = %q", out)
	}

	noWallet := f.agent(t, 100, 0, false)
	out, _ = f.exec.ExecuteSkills(ctx, noWallet, "[[CHECK_BALANCE]]")
	if !strings.Contains(out, "wallet not initialized") {
		t.Errorf("no-wallet balance output = %q", out)
	}

	logs, _ := f.store.ListActivity(ctx, a.ID, store.ActivitySkill, 20)
	if len(logs) != 5 {
		t.Errorf("got %d skill audit entries, want 5", len(logs))
	}
}
