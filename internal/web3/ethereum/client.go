// Package ethereum implements web3.Client for EVM networks on top of
// go-ethereum's ethclient and abi bindings.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentBounty/internal/web3"
)

// USDCABI is the subset of the FiatToken v2 ABI used for settlement.
const USDCABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],
	 "outputs":[]}
]`

var usdcABI = mustParseABI(USDCABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse usdc abi: %v", err))
	}
	return parsed
}

// Backend is the node surface the client depends on. Both *ethclient.Client
// and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client implements web3.Client for one network.
type Client struct {
	network   string
	rpcClient *gethrpc.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

// Dial connects to the RPC endpoint of network.
func Dial(ctx context.Context, network web3.Network) (*Client, error) {
	rpcURL := strings.TrimSpace(network.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("链 %s 未配置 RPC 地址", network.Name)
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 失败: %w", network.Name, err)
	}
	c := &Client{
		network:   network.Name,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}
	if network.ChainID > 0 {
		c.chainID = big.NewInt(network.ChainID)
	}
	return c, nil
}

// NewWithBackend wraps an already connected backend, typically the
// simulated backend in tests.
func NewWithBackend(network string, backend Backend) *Client {
	return &Client{network: network, backend: backend}
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id, caching the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// Snapshot reports the chain id and head block.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Network:     c.network,
		ChainID:     toHexBig(id),
		BlockNumber: fmt.Sprintf("0x%x", head),
	}, nil
}

// NativeBalance returns the gas token balance of account in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 余额失败: %w", account.Hex(), err)
	}
	return balance, nil
}

// TokenBalance calls balanceOf(owner) on token and returns base units.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	contract := c.bound(token)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("查询 %s 的 USDC 余额失败: %w", owner.Hex(), err)
	}
	if len(out) != 1 {
		return nil, errors.New("balanceOf 未返回结果")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回了非预期类型 %T", out[0])
	}
	return balance, nil
}

// TransferWithAuthorization submits the signed ERC-3009 transfer.
func (c *Client) TransferWithAuthorization(ctx context.Context, opts *bind.TransactOpts, token common.Address, auth web3.TransferAuthorization) (*coretypes.Transaction, error) {
	if opts == nil {
		return nil, errors.New("未提供交易签名器")
	}
	txOpts := *opts
	txOpts.Context = ctx

	tx, err := c.bound(token).Transact(&txOpts, "transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore,
		auth.Nonce, auth.V, auth.R, auth.S)
	if err != nil {
		return nil, fmt.Errorf("发送 transferWithAuthorization 交易失败: %w", err)
	}
	return tx, nil
}

// WaitReceipt blocks until tx is mined and fails on a reverted receipt.
func (c *Client) WaitReceipt(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("等待交易 %s 上链失败: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("交易 %s 执行回滚", tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) bound(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, usdcABI, c.backend, c.backend, c.backend)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
