package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/crypto/hkdf"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	nativeDecimals  = 18
	nativeTransfer  = 21000
	minSeedLength   = 16
	keyDerivationID = "agentfleet/wallet/v1"
)

var erc20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainClient is the subset of *ethclient.Client the adapter uses.
type ChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EthLedger implements Ledger against an EVM JSON-RPC endpoint. Agent keys
// are derived from a master seed with HKDF-SHA256 and the wallet index.
type EthLedger struct {
	client   ChainClient
	registry *Registry
	chainID  *big.Int
	signer   types.Signer
	seed     []byte

	confirmTimeout time.Duration
	pollInterval   time.Duration

	// one lock per wallet index so pending nonces are not reused
	mu    sync.Mutex
	locks map[int]*sync.Mutex

	logger *slog.Logger
}

// Dial connects to cfg.RPCURL and returns the adapter.
func Dial(ctx context.Context, cfg config.LedgerConfig, registry *Registry, logger *slog.Logger) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger rpc_url is required")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	l, err := NewEthLedger(client, cfg, registry, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewEthLedger builds the adapter over an existing client.
func NewEthLedger(client ChainClient, cfg config.LedgerConfig, registry *Registry, logger *slog.Logger) (*EthLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seed := common.FromHex(strings.TrimSpace(cfg.MasterSeed))
	if len(seed) < minSeedLength {
		return nil, fmt.Errorf("ledger master seed must be at least %d hex-encoded bytes", minSeedLength)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("ledger chain_id must be positive")
	}
	if registry == nil {
		var err error
		if registry, err = NewRegistry(cfg.NativeSymbol, cfg.Tokens); err != nil {
			return nil, err
		}
	}
	chainID := big.NewInt(cfg.ChainID)
	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EthLedger{
		client:         client,
		registry:       registry,
		chainID:        chainID,
		signer:         types.LatestSignerForChainID(chainID),
		seed:           seed,
		confirmTimeout: timeout,
		pollInterval:   poll,
		locks:          make(map[int]*sync.Mutex),
		logger:         logger.With("component", "ledger"),
	}, nil
}

// Registry returns the token registry the adapter resolves symbols with.
func (l *EthLedger) Registry() *Registry { return l.registry }

// Close releases the RPC connection.
func (l *EthLedger) Close() { l.client.Close() }

func (l *EthLedger) key(index int) (*ecdsa.PrivateKey, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid wallet index %d", index)
	}
	r := hkdf.New(sha256.New, l.seed, nil, []byte(keyDerivationID+"/"+strconv.Itoa(index)))
	buf := make([]byte, 32)
	// ToECDSA rejects scalars outside the curve order; read the next block.
	for attempt := 0; attempt < 8; attempt++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		if key, err := crypto.ToECDSA(buf); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("derive key for index %d: no valid scalar", index)
}

// DeriveAddress returns the checksummed address of the index wallet.
func (l *EthLedger) DeriveAddress(index int) (string, error) {
	key, err := l.key(index)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// GetBalance reads the native balance and every registry token balance.
func (l *EthLedger) GetBalance(ctx context.Context, address string) (*Balance, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	owner := common.HexToAddress(address)

	wei, err := l.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}
	bal := &Balance{Native: FromBaseUnits(wei, nativeDecimals)}

	for _, tok := range l.registry.Tokens() {
		amount, err := l.tokenBalance(ctx, tok, owner)
		if err != nil {
			return nil, fmt.Errorf("%s balance: %w", tok.Symbol, err)
		}
		bal.Tokens = append(bal.Tokens, TokenBalance{
			Symbol:  tok.Symbol,
			Address: tok.Address.Hex(),
			Amount:  FromBaseUnits(amount, tok.Decimals),
		})
	}
	return bal, nil
}

func (l *EthLedger) tokenBalance(ctx context.Context, tok Token, owner common.Address) (*big.Int, error) {
	data, err := erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	to := tok.Address
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf result")
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", vals[0])
	}
	return v, nil
}

// SubmitTransfer signs a legacy transaction and broadcasts it. Errors wrap
// ErrLedgerSubmissionFailed.
func (l *EthLedger) SubmitTransfer(ctx context.Context, index int, to, amount, currency string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid recipient %q", ErrLedgerSubmissionFailed, to)
	}
	recipient := common.HexToAddress(to)

	var (
		target common.Address
		value  = new(big.Int)
		data   []byte
	)
	switch {
	case l.registry.IsNative(currency):
		v, err := ToBaseUnits(amount, nativeDecimals)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrLedgerSubmissionFailed, err)
		}
		target, value = recipient, v
	default:
		tok, ok := l.registry.Lookup(currency)
		if !ok {
			return "", fmt.Errorf("%w: %w %q", ErrLedgerSubmissionFailed, ErrUnknownCurrency, currency)
		}
		v, err := ToBaseUnits(amount, tok.Decimals)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrLedgerSubmissionFailed, err)
		}
		if data, err = erc20.Pack("transfer", recipient, v); err != nil {
			return "", fmt.Errorf("%w: encode transfer: %v", ErrLedgerSubmissionFailed, err)
		}
		target = tok.Address
	}

	key, err := l.key(index)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerSubmissionFailed, err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	lock := l.indexLock(index)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrLedgerSubmissionFailed, err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrLedgerSubmissionFailed, err)
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Value: value, Data: data})
	if err != nil {
		if data != nil {
			return "", fmt.Errorf("%w: estimate gas: %v", ErrLedgerSubmissionFailed, err)
		}
		gas = nativeTransfer
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &target,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, l.signer, key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrLedgerSubmissionFailed, err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerSubmissionFailed, err)
	}

	hash := signed.Hash().Hex()
	l.logger.Info("transfer submitted",
		"hash", hash, "from", from.Hex(), "to", recipient.Hex(),
		"amount", amount, "currency", strings.ToUpper(currency), "nonce", nonce)
	return hash, nil
}

func (l *EthLedger) indexLock(index int) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[index]
	if !ok {
		m = &sync.Mutex{}
		l.locks[index] = m
	}
	return m
}

// WaitForConfirmation polls for the receipt until it appears or the
// confirmation timeout elapses.
func (l *EthLedger) WaitForConfirmation(ctx context.Context, txHash string) (Status, error) {
	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return StatusConfirmed, nil
			}
			l.logger.Warn("transfer reverted", "hash", txHash, "block", receipt.BlockNumber)
			return StatusReverted, nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() == nil:
			l.logger.Debug("receipt lookup failed", "hash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s after %s", ErrLedgerConfirmationTimeout, txHash, l.confirmTimeout)
		case <-ticker.C:
		}
	}
}

// SignMessage returns the 0x-prefixed personal_sign signature (v = 27/28).
func (l *EthLedger) SignMessage(index int, message []byte) (string, error) {
	key, err := l.key(index)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// TxURL returns the explorer page of a transaction, or "" without explorer.
func TxURL(explorer, hash string) string {
	if explorer == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(explorer, "/") + "/tx/" + hash
}

// IsAddress reports whether s is 0x followed by 40 hex characters.
func IsAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
