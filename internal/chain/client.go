// Package chain provides EVM JSON-RPC access and relayer accounts for the
// meta-transaction relay.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrConfirmTimeout is returned when a transaction is not mined in time.
var ErrConfirmTimeout = errors.New("timed out waiting for confirmation")

// Backend is the subset of ethclient.Client the relay uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// NodeAccounts exposes accounts unlocked on the node (Hardhat, Anvil).
type NodeAccounts interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	SendTransaction(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error)
}

// Config holds client configuration.
type Config struct {
	RPCURL       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client wraps an EVM node connection.
type Client struct {
	backend      Backend
	accounts     NodeAccounts
	pollInterval time.Duration

	mu      sync.RWMutex
	chainID *big.Int
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc, err := rpc.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return NewClient(ethclient.NewClient(rc), &rpcAccounts{rpc: rc}, cfg.PollInterval), nil
}

// NewClient builds a client over an existing backend. accounts may be nil.
func NewClient(backend Backend, accounts NodeAccounts, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Client{
		backend:      backend,
		accounts:     accounts,
		pollInterval: pollInterval,
	}
}

// ChainID returns the node's chain id. The value is cached after the first
// successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	id := c.chainID
	c.mu.RUnlock()
	if id != nil {
		return new(big.Int).Set(id), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call: %w", err)
	}
	return out, nil
}

// BalanceAt returns the latest balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	return bal, nil
}

// WaitForReceipt polls until txHash is mined or timeout elapses. Expiry of
// timeout yields ErrConfirmTimeout; cancellation of ctx by the caller yields
// context.Canceled.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, waitError(ctx, txHash)
			}
			return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, waitError(ctx, txHash)
		case <-ticker.C:
		}
	}
}

func waitError(ctx context.Context, txHash common.Hash) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("wait for %s: %w", txHash.Hex(), ctx.Err())
	}
	return fmt.Errorf("%w: %s", ErrConfirmTimeout, txHash.Hex())
}

// rpcAccounts implements NodeAccounts over raw JSON-RPC.
type rpcAccounts struct {
	rpc *rpc.Client
}

func (a *rpcAccounts) Accounts(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := a.rpc.CallContext(ctx, &out, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	return out, nil
}

func (a *rpcAccounts) SendTransaction(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	args := map[string]interface{}{
		"from": from,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var hash common.Hash
	if err := a.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}
