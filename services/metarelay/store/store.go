// Package store records relayed transactions for audit and lookup. The relay
// never reads it back to make decisions; the contract stays the authority.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Record statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusSuccess   = "success"
	StatusReverted  = "reverted"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("relay record not found")

// Record is one relay attempt.
type Record struct {
	ID              string         `db:"id" json:"id"`
	Operation       string         `db:"operation" json:"operation"`
	ChainID         int64          `db:"chain_id" json:"chainId"`
	ContractAddress string         `db:"contract_address" json:"contractAddress"`
	Signer          string         `db:"signer" json:"signer"`
	Relayer         string         `db:"relayer" json:"relayer"`
	TxHash          string         `db:"tx_hash" json:"txHash,omitempty"`
	Status          string         `db:"status" json:"status"`
	Error           string         `db:"error" json:"error,omitempty"`
	Derived         types.JSONText `db:"derived" json:"derived,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// Store persists relay records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	GetByTxHash(ctx context.Context, txHash string) (*Record, error)
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
	Ping(ctx context.Context) error
}
