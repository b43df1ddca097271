package treasury

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/asset"
)

// Holding is one currency's accumulated protocol fee.
type Holding struct {
	Currency asset.Currency
	Balance  int64
}

// Repository owns the per-currency fee accumulator rows.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Credit adds a retained fee inside the releasing transaction, so the fee
// accrual commits or rolls back together with the payout it belongs to.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, currency asset.Currency, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("treasury: credit amount must be positive")
	}
	const q = `
		INSERT INTO fee_balances (currency, balance)
		VALUES ($1, $2)
		ON CONFLICT (currency)
		DO UPDATE SET balance = fee_balances.balance + EXCLUDED.balance, updated_at = now()
	`
	if _, err := tx.Exec(ctx, q, currency, amount); err != nil {
		return fmt.Errorf("treasury: credit fee: %w", err)
	}
	return nil
}

// Balance returns the accumulated fee for one currency; missing rows read as zero.
func (r *Repository) Balance(ctx context.Context, currency asset.Currency) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM fee_balances WHERE currency = $1`, currency).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("treasury: balance: %w", err)
	}
	return balance, nil
}

// DrainForUpdate locks every non-zero holding and zeroes it, returning what
// was held. The caller commits the drain before paying anything out, so the
// balances are already zero by the time any external transfer executes.
func (r *Repository) DrainForUpdate(ctx context.Context, tx pgx.Tx) ([]Holding, error) {
	rows, err := tx.Query(ctx, `SELECT currency, balance FROM fee_balances WHERE balance > 0 ORDER BY currency FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("treasury: lock holdings: %w", err)
	}
	defer rows.Close()

	holdings := make([]Holding, 0, 2)
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.Currency, &h.Balance); err != nil {
			return nil, fmt.Errorf("treasury: scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("treasury: iterate holdings: %w", err)
	}

	for _, h := range holdings {
		if _, err := tx.Exec(ctx, `UPDATE fee_balances SET balance = 0, updated_at = now() WHERE currency = $1`, h.Currency); err != nil {
			return nil, fmt.Errorf("treasury: zero holding: %w", err)
		}
	}
	return holdings, nil
}
