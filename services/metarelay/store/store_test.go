package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0xAbC0000000000000000000000000000000000000000000000000000000000001"

func TestMemoryStore_CreateUpdateLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	rec := &Record{Operation: "attest", ChainID: 31337, Status: StatusPending}
	require.NoError(t, s.Create(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	_, err := s.GetByTxHash(ctx, testHash)
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	rec.TxHash = testHash
	rec.Status = StatusSuccess
	rec.CompletedAt = &now
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.GetByTxHash(ctx, "0xabc0000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, rec.ID, got.ID)

	assert.ErrorIs(t, s.Update(ctx, &Record{ID: "missing"}), ErrNotFound)
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	for i, hash := range []string{"0x01", "0x02", "0x03"} {
		require.NoError(t, s.Create(ctx, &Record{
			TxHash:    hash,
			CreatedAt: time.Unix(int64(i), 0),
		}))
	}

	_, err := s.GetByTxHash(ctx, "0x01")
	assert.ErrorIs(t, err, ErrNotFound)

	recent, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "0x03", recent[0].TxHash)
}

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_txs")).
		WithArgs(sqlmock.AnyArg(), "request-loan", int64(31337), "0xcontract", "0xsigner", "0xrelayer",
			"", StatusPending, "", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := NewPostgresStore(db)
	rec := &Record{
		Operation:       "request-loan",
		ChainID:         31337,
		ContractAddress: "0xcontract",
		Signer:          "0xsigner",
		Relayer:         "0xrelayer",
		Status:          StatusPending,
	}
	require.NoError(t, s.Create(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "{}", string(rec.Derived))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE relay_txs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresStore(db).Update(context.Background(), &Record{ID: "x", TxHash: testHash})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByTxHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := []string{"id", "operation", "chain_id", "contract_address", "signer", "relayer",
		"tx_hash", "status", "error", "derived", "created_at", "completed_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_txs")).
		WithArgs("0xabc0000000000000000000000000000000000000000000000000000000000001").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"id-1", "request-withdrawal", int64(1), "0xc", "0xs", "0xr",
			"0xabc0000000000000000000000000000000000000000000000000000000000001",
			StatusSuccess, "", []byte(`{"queueId":"3"}`), created, created,
		))

	rec, err := NewPostgresStore(db).GetByTxHash(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, "id-1", rec.ID)
	assert.Equal(t, "request-withdrawal", rec.Operation)
	assert.JSONEq(t, `{"queueId":"3"}`, string(rec.Derived))
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, created.Equal(*rec.CompletedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByTxHashNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_txs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresStore(db).GetByTxHash(context.Background(), "0x01")
	assert.ErrorIs(t, err, ErrNotFound)
}
