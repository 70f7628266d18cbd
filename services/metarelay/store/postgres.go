package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const recordColumns = `id, operation, chain_id, contract_address, signer, relayer, tx_hash, status, error, derived, created_at, completed_at`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open connection. The relay_txs table must exist;
// see internal/database/migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(rec.Derived) == 0 {
		rec.Derived = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_txs (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.Operation, rec.ChainID, rec.ContractAddress, rec.Signer, rec.Relayer,
		strings.ToLower(rec.TxHash), rec.Status, rec.Error, rec.Derived, rec.CreatedAt, rec.CompletedAt)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	if len(rec.Derived) == 0 {
		rec.Derived = []byte("{}")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE relay_txs
		SET relayer = $2, tx_hash = $3, status = $4, error = $5, derived = $6, completed_at = $7
		WHERE id = $1
	`, rec.ID, rec.Relayer, strings.ToLower(rec.TxHash), rec.Status, rec.Error, rec.Derived, rec.CompletedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetByTxHash(ctx context.Context, txHash string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `
		SELECT `+recordColumns+`
		FROM relay_txs
		WHERE tx_hash = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, strings.ToLower(txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Record
	if err := s.db.SelectContext(ctx, &out, `
		SELECT `+recordColumns+`
		FROM relay_txs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
