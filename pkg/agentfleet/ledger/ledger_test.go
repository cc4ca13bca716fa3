package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

const testToken = "0x765DE816845861e75A25fCA122bb6898B8B1282a"

type fakeChain struct {
	mu       sync.Mutex
	native   *big.Int
	token    *big.Int
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.token.Bytes(), 32), nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if msg.Data == nil {
		return 0, errors.New("estimate unavailable")
	}
	return 60000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) Close() {}

func newTestLedger(t *testing.T, chain *fakeChain) *EthLedger {
	t.Helper()
	cfg := config.LedgerConfig{
		ChainID:             44787,
		NativeSymbol:        "CELO",
		MasterSeed:          "0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		ConfirmationTimeout: 200 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
		Tokens:              []config.TokenConfig{{Symbol: "cusd", Address: testToken, Decimals: 18}},
	}
	l, err := NewEthLedger(chain, cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEthLedger: %v", err)
	}
	return l
}

func TestDeriveAddressDeterministic(t *testing.T) {
	l := newTestLedger(t, &fakeChain{})

	a0, err := l.DeriveAddress(0)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	again, _ := l.DeriveAddress(0)
	a1, _ := l.DeriveAddress(1)

	if a0 != again {
		t.Errorf("derivation not deterministic: %s vs %s", a0, again)
	}
	if a0 == a1 {
		t.Error("indexes 0 and 1 derived the same address")
	}
	if !IsAddress(a0) {
		t.Errorf("derived address %q is not a valid address", a0)
	}
	if _, err := l.DeriveAddress(-1); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestNewEthLedgerRejectsShortSeed(t *testing.T) {
	_, err := NewEthLedger(&fakeChain{}, config.LedgerConfig{ChainID: 1, MasterSeed: "abcd"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestGetBalance(t *testing.T) {
	twoAndHalf, _ := ToBaseUnits("2.5", 18)
	seven, _ := ToBaseUnits("7", 18)
	l := newTestLedger(t, &fakeChain{native: twoAndHalf, token: seven})

	addr, _ := l.DeriveAddress(0)
	bal, err := l.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Native != 2.5 {
		t.Errorf("native = %v, want 2.5", bal.Native)
	}
	if v, ok := bal.Token("cUSD"); !ok || v != 7 {
		t.Errorf("cUSD = %v (found %v), want 7", v, ok)
	}

	if _, err := l.GetBalance(context.Background(), "nope"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestSubmitNativeTransfer(t *testing.T) {
	chain := &fakeChain{nonce: 3}
	l := newTestLedger(t, chain)
	to := "0xABCDEF0123456789abcdef0123456789ABCDEF01"

	hash, err := l.SubmitTransfer(context.Background(), 0, to, "2", "celo")
	if err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(chain.sent))
	}
	tx := chain.sent[0]
	if tx.Hash().Hex() != hash {
		t.Errorf("hash = %s, want %s", hash, tx.Hash().Hex())
	}
	if tx.Nonce() != 3 {
		t.Errorf("nonce = %d, want 3", tx.Nonce())
	}
	if tx.Gas() != nativeTransfer {
		t.Errorf("gas = %d, want %d", tx.Gas(), nativeTransfer)
	}
	want, _ := ToBaseUnits("2", 18)
	if tx.Value().Cmp(want) != 0 {
		t.Errorf("value = %s, want %s", tx.Value(), want)
	}
	if !strings.EqualFold(tx.To().Hex(), to) {
		t.Errorf("to = %s, want %s", tx.To().Hex(), to)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(44787)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	from, _ := l.DeriveAddress(0)
	if sender.Hex() != from {
		t.Errorf("signed by %s, want %s", sender.Hex(), from)
	}
}

func TestSubmitTokenTransfer(t *testing.T) {
	chain := &fakeChain{}
	l := newTestLedger(t, chain)
	to := "0xABCDEF0123456789abcdef0123456789ABCDEF01"

	if _, err := l.SubmitTransfer(context.Background(), 1, to, "1.5", "cUSD"); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	tx := chain.sent[0]
	if tx.To().Hex() != common.HexToAddress(testToken).Hex() {
		t.Errorf("token transfer sent to %s, want the token contract", tx.To().Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("token transfer carries value %s", tx.Value())
	}
	if got := hexutil.Encode(tx.Data()[:4]); got != "0xa9059cbb" {
		t.Errorf("selector = %s, want transfer(address,uint256)", got)
	}
	args, err := erc20.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	want, _ := ToBaseUnits("1.5", 18)
	if args[1].(*big.Int).Cmp(want) != 0 {
		t.Errorf("amount = %v, want %s", args[1], want)
	}
}

func TestSubmitTransferFailures(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("insufficient funds for gas")}
	l := newTestLedger(t, chain)
	to := "0xABCDEF0123456789abcdef0123456789ABCDEF01"

	tests := []struct {
		name     string
		to       string
		amount   string
		currency string
	}{
		{"rpc rejects", to, "1", "CELO"},
		{"unknown currency", to, "1", "DOGE"},
		{"bad recipient", "0x1234", "1", "CELO"},
		{"too many decimals", to, "0.0000000000000000001", "CELO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.SubmitTransfer(context.Background(), 0, tt.to, tt.amount, tt.currency)
			if !errors.Is(err, ErrLedgerSubmissionFailed) {
				t.Errorf("err = %v, want ErrLedgerSubmissionFailed", err)
			}
		})
	}
}

func TestWaitForConfirmation(t *testing.T) {
	chain := &fakeChain{receipts: map[common.Hash]*types.Receipt{}}
	l := newTestLedger(t, chain)

	ok := common.HexToHash("0x01")
	bad := common.HexToHash("0x02")
	chain.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	chain.receipts[bad] = &types.Receipt{Status: types.ReceiptStatusFailed}

	if st, err := l.WaitForConfirmation(context.Background(), ok.Hex()); err != nil || st != StatusConfirmed {
		t.Errorf("confirmed: got %q, %v", st, err)
	}
	if st, err := l.WaitForConfirmation(context.Background(), bad.Hex()); err != nil || st != StatusReverted {
		t.Errorf("reverted: got %q, %v", st, err)
	}
	_, err := l.WaitForConfirmation(context.Background(), common.HexToHash("0x03").Hex())
	if !errors.Is(err, ErrLedgerConfirmationTimeout) {
		t.Errorf("pending: err = %v, want ErrLedgerConfirmationTimeout", err)
	}
}

func TestSignMessageRecoverable(t *testing.T) {
	l := newTestLedger(t, &fakeChain{})
	msg := []byte("agentfleet challenge 42")

	sigHex, err := l.SignMessage(2, msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	sig := common.FromHex(sigHex)
	if len(sig) != 65 || sig[64] < 27 {
		t.Fatalf("unexpected signature %s", sigHex)
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	want, _ := l.DeriveAddress(2)
	if got := crypto.PubkeyToAddress(*pub).Hex(); got != want {
		t.Errorf("recovered %s, want %s", got, want)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry("celo", []config.TokenConfig{
		{Symbol: "cUSD", Address: testToken},
		{Symbol: "ceur", Address: "0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73", Decimals: 6},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !r.IsNative("CELO") || r.Native() != "CELO" {
		t.Error("native symbol not normalised")
	}
	tok, ok := r.Lookup("CuSd")
	if !ok || tok.Decimals != 18 {
		t.Errorf("Lookup(CuSd) = %+v, %v", tok, ok)
	}
	for sym, want := range map[string]int{"celo": 18, "CEUR": 6, "cusd": 18} {
		if got, ok := r.Decimals(sym); !ok || got != want {
			t.Errorf("Decimals(%s) = %d, %v; want %d", sym, got, ok, want)
		}
	}
	if _, ok := r.Decimals("DOGE"); ok {
		t.Error("Decimals(DOGE) found an unknown token")
	}
	if got := strings.Join(r.Symbols(), ","); got != "CEUR,CUSD" {
		t.Errorf("Symbols = %s", got)
	}

	bad := [][]config.TokenConfig{
		{{Symbol: "X", Address: "not-an-address"}},
		{{Symbol: "", Address: testToken}},
		{{Symbol: "CELO", Address: testToken}},
		{{Symbol: "A", Address: testToken}, {Symbol: "a", Address: testToken}},
	}
	for i, tokens := range bad {
		if _, err := NewRegistry("CELO", tokens); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestStaticRates(t *testing.T) {
	rates := NewStaticRates(map[string]float64{"celo": 0.5, "CUSD": 1})
	v, err := rates.AccountingValue("CELO", 4)
	if err != nil || v != 2 {
		t.Errorf("AccountingValue(CELO, 4) = %v, %v", v, err)
	}
	if _, err := rates.AccountingValue("DOGE", 1); !errors.Is(err, ErrNoRate) {
		t.Errorf("err = %v, want ErrNoRate", err)
	}
}

func TestUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"2", 18, "2000000000000000000", false},
		{"0.5", 6, "500000", false},
		{"1.000001", 6, "1000001", false},
		{"1.0000001", 6, "", true},
		{"0", 18, "", true},
		{"-1", 18, "", true},
		{"abc", 18, "", true},
	}
	for _, tt := range tests {
		got, err := ToBaseUnits(tt.amount, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ToBaseUnits(%q) expected error", tt.amount)
			}
			continue
		}
		if err != nil || got.String() != tt.want {
			t.Errorf("ToBaseUnits(%q) = %v, %v; want %s", tt.amount, got, err, tt.want)
		}
	}

	if f := FromBaseUnits(big.NewInt(1_500_000), 6); f != 1.5 {
		t.Errorf("FromBaseUnits = %v, want 1.5", f)
	}
	if f := FromBaseUnits(nil, 18); f != 0 {
		t.Errorf("FromBaseUnits(nil) = %v", f)
	}
}

func TestTxURLAndIsAddress(t *testing.T) {
	if got := TxURL("https://explorer.example/", "0xabc"); got != "https://explorer.example/tx/0xabc" {
		t.Errorf("TxURL = %s", got)
	}
	if TxURL("", "0xabc") != "" {
		t.Error("TxURL without explorer should be empty")
	}
	if !IsAddress("0xABCDEF0123456789abcdef0123456789ABCDEF01") {
		t.Error("valid address rejected")
	}
	for _, s := range []string{"ABCDEF0123456789abcdef0123456789ABCDEF01", "0x123", "0xZZCDEF0123456789abcdef0123456789ABCDEF01"} {
		if IsAddress(s) {
			t.Errorf("IsAddress(%q) = true", s)
		}
	}
}
