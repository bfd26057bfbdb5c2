// Package web3 describes the settlement networks and the chain client used
// to read balances and submit USDC transferWithAuthorization calls.
package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot summarises the chain state for health reporting.
type ChainSnapshot struct {
	Network     string `json:"network"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
}

// TransferAuthorization carries the ERC-3009 arguments signed by the payer.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	V           uint8
	R           [32]byte
	S           [32]byte
}

// Client is the chain access surface used by payments and wallets.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TransferWithAuthorization(ctx context.Context, opts *bind.TransactOpts, token common.Address, auth TransferAuthorization) (*types.Transaction, error)
	WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	Close()
}
