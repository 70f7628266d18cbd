package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoRelayer is returned when no account can pay for a transaction.
var ErrNoRelayer = errors.New("no relayer account available")

// Relayer submits contract calls on behalf of users and pays their gas.
type Relayer interface {
	Address() common.Address
	Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// nonceLocks serializes nonce fetch and broadcast per chain and sender.
var nonceLocks sync.Map

func senderLock(chainID *big.Int, addr common.Address) *sync.Mutex {
	key := chainID.String() + ":" + addr.Hex()
	mu, _ := nonceLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ParsePrivateKey decodes a hex private key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}
	return key, nil
}

// KeyRelayer signs EIP-1559 transactions locally with a private key.
type KeyRelayer struct {
	client *Client
	key    *ecdsa.PrivateKey
	addr   common.Address
}

// NewKeyRelayer creates a relayer backed by key.
func NewKeyRelayer(client *Client, key *ecdsa.PrivateKey) *KeyRelayer {
	return &KeyRelayer{
		client: client,
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the relayer account.
func (r *KeyRelayer) Address() common.Address {
	return r.addr
}

// Send estimates gas, signs and broadcasts a call to `to`. Estimation runs
// the call first, so most contract reverts fail here with the node's reason.
func (r *KeyRelayer) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	backend := r.client.backend

	msg := ethereum.CallMsg{From: r.addr, To: &to, Data: data}
	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	mu := senderLock(chainID, r.addr)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, r.addr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		})
	} else {
		price, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), r.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// NodeRelayer sends through an account unlocked on the node. Only local
// development nodes expose one.
type NodeRelayer struct {
	accounts NodeAccounts
	addr     common.Address
}

// NodeRelayer returns a relayer for the node's first unlocked account.
func (c *Client) NodeRelayer(ctx context.Context) (*NodeRelayer, error) {
	if c.accounts == nil {
		return nil, ErrNoRelayer
	}
	accts, err := c.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRelayer, err)
	}
	if len(accts) == 0 {
		return nil, ErrNoRelayer
	}
	return &NodeRelayer{accounts: c.accounts, addr: accts[0]}, nil
}

// Address returns the unlocked account.
func (r *NodeRelayer) Address() common.Address {
	return r.addr
}

// Send submits via eth_sendTransaction. The node assigns nonce and gas.
func (r *NodeRelayer) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	hash, err := r.accounts.SendTransaction(ctx, r.addr, to, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return hash, nil
}
