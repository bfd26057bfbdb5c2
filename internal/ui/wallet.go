package ui

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"AgentBounty/internal/payment"
)

// Provider error codes, as defined by EIP-1193 and wallet_switchEthereumChain.
const (
	CodeUserRejected      = 4001
	CodeUnrecognizedChain = 4902
)

// ProviderError is an error reported by a wallet provider.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// Wallet is an injected wallet provider.
type Wallet interface {
	ChainID(ctx context.Context) (int64, error)
	// SwitchChain selects a known chain. An unknown chain fails with a
	// ProviderError of code CodeUnrecognizedChain.
	SwitchChain(ctx context.Context, chainIDHex string) error
	AddChain(ctx context.Context, network payment.NetworkInfo) error
	// RequestAccounts asks for account access.
	RequestAccounts(ctx context.Context) ([]string, error)
	SignTypedData(ctx context.Context, from string, td apitypes.TypedData) ([]byte, error)
	PersonalSign(ctx context.Context, from, message string) ([]byte, error)
}

// EnsureNetwork puts w on network, registering the chain first when the
// wallet does not know it.
func EnsureNetwork(ctx context.Context, w Wallet, network payment.NetworkInfo) error {
	current, err := w.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read wallet chain: %w", err)
	}
	if current == network.ChainID {
		return nil
	}
	err = w.SwitchChain(ctx, network.ChainIDHex)
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Code != CodeUnrecognizedChain {
		return fmt.Errorf("switch chain: %w", err)
	}
	if err := w.AddChain(ctx, network); err != nil {
		return fmt.Errorf("add chain: %w", err)
	}
	if err := w.SwitchChain(ctx, network.ChainIDHex); err != nil {
		return fmt.Errorf("switch chain: %w", err)
	}
	return nil
}

// KeyWallet is a Wallet backed by a local private key. It starts on
// Ethereum mainnet and knows no other chain until one is added.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address string

	mu     sync.Mutex
	chain  int64
	known  map[int64]payment.NetworkInfo
	reject bool
}

func NewKeyWallet(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		chain:   1,
		known:   map[int64]payment.NetworkInfo{1: {ChainID: 1, ChainIDHex: "0x1", ChainName: "Ethereum"}},
	}
}

// Address is the checksummed account of the key.
func (w *KeyWallet) Address() string { return w.address }

// RejectSignatures makes later signing requests fail as if the user
// declined them.
func (w *KeyWallet) RejectSignatures(reject bool) {
	w.mu.Lock()
	w.reject = reject
	w.mu.Unlock()
}

func (w *KeyWallet) ChainID(context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chain, nil
}

func (w *KeyWallet) SwitchChain(_ context.Context, chainIDHex string) error {
	id, err := hexutil.DecodeUint64(chainIDHex)
	if err != nil {
		return &ProviderError{Code: -32602, Message: "invalid chain id " + chainIDHex}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.known[int64(id)]; !ok {
		return &ProviderError{Code: CodeUnrecognizedChain, Message: "Unrecognized chain ID " + chainIDHex}
	}
	w.chain = int64(id)
	return nil
}

func (w *KeyWallet) AddChain(_ context.Context, network payment.NetworkInfo) error {
	if network.ChainID == 0 {
		return &ProviderError{Code: -32602, Message: "chain id is required"}
	}
	w.mu.Lock()
	w.known[network.ChainID] = network
	w.mu.Unlock()
	return nil
}

func (w *KeyWallet) RequestAccounts(context.Context) ([]string, error) {
	return []string{w.address}, nil
}

func (w *KeyWallet) SignTypedData(_ context.Context, from string, td apitypes.TypedData) ([]byte, error) {
	if err := w.check(from); err != nil {
		return nil, err
	}
	return payment.Sign(w.key, td)
}

func (w *KeyWallet) PersonalSign(_ context.Context, from, message string) ([]byte, error) {
	if err := w.check(from); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (w *KeyWallet) check(from string) error {
	w.mu.Lock()
	reject := w.reject
	w.mu.Unlock()
	if reject {
		return &ProviderError{Code: CodeUserRejected, Message: "User rejected the request."}
	}
	if !strings.EqualFold(from, w.address) {
		return &ProviderError{Code: CodeUserRejected, Message: "unknown account " + from}
	}
	return nil
}
