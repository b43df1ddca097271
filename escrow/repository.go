package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const transactionColumns = `id, buyer, seller, arbitrator, currency, amount, state::text, expires_at, created_at, updated_at`

// Repository owns the transaction ledger: the escrow_transactions table and
// the single-row id counter.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AllocateID advances the ledger counter inside the caller's transaction and
// returns the new id. The increment rolls back with the transaction, so a
// failed create never burns an id.
func (r *Repository) AllocateID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `UPDATE ledger_counter SET next = next + 1 WHERE id = 1 RETURNING next`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("escrow: allocate id: %w", err)
	}
	return id, nil
}

// Insert stores a freshly created record. It must only be called once per id,
// after custody of the deposit is secured.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	const q = `
		INSERT INTO escrow_transactions (id, buyer, seller, arbitrator, currency, amount, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + transactionColumns
	rec, err := scanTransaction(tx.QueryRow(ctx, q,
		t.ID, t.Buyer, t.Seller, t.Arbitrator, t.Currency, t.Amount, t.State, t.ExpiresAt))
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return rec, nil
}

// Get returns the record for id without locking it.
func (r *Repository) Get(ctx context.Context, id int64) (Transaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1`
	rec, err := scanTransaction(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the record's row for the duration of the caller's
// transaction. Every state mutation goes through this lock, so at most one
// mutation per id is ever in flight.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Transaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1 FOR UPDATE`
	rec, err := scanTransaction(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// UpdateState applies a transition guarded by the expected prior state. The
// guard is redundant under the row lock but keeps a bad call from ever
// mutating a terminal record.
func (r *Repository) UpdateState(ctx context.Context, tx pgx.Tx, id int64, from, to State) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("escrow: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransactionState
	}
	return nil
}

// NextID reads the counter without advancing it. Zero means nothing was ever created.
func (r *Repository) NextID(ctx context.Context) (int64, error) {
	var next int64
	if err := r.pool.QueryRow(ctx, `SELECT next FROM ledger_counter WHERE id = 1`).Scan(&next); err != nil {
		return 0, fmt.Errorf("escrow: read counter: %w", err)
	}
	return next, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.Buyer, &t.Seller, &t.Arbitrator, &t.Currency, &t.Amount,
		&t.State, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}
