package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Bank is the fungible-value collaborator backing escrow custody. It keeps
// per-(account, currency) balances and pull allowances in its own tables and
// moves value in its own transactions; callers treat it as an external
// transfer primitive.
type Bank struct {
	pool      *pgxpool.Pool
	custodian string
}

// NewBank builds a Bank whose inbound transfers land on, and whose outbound
// transfers are paid from, the custodian account.
func NewBank(pool *pgxpool.Pool, custodianAccountID string) *Bank {
	return &Bank{pool: pool, custodian: custodianAccountID}
}

// Custodian returns the account id holding escrowed value.
func (b *Bank) Custodian() string { return b.custodian }

// TransferIn pulls amount from the payer into custody. Native value is a
// direct debit of the payer; token value additionally consumes the payer's
// allowance for the custodian.
func (b *Bank) TransferIn(ctx context.Context, payer string, currency Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("asset: begin transfer in: %w", err)
	}
	defer tx.Rollback(ctx)

	if !currency.IsNative() {
		if err := consumeAllowance(ctx, tx, payer, b.custodian, currency, amount); err != nil {
			return err
		}
	}
	if err := move(ctx, tx, payer, b.custodian, currency, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("asset: commit transfer in: %w", err)
	}
	return nil
}

// TransferOut pushes amount out of custody to the payee. Custody is already
// held, so this is a direct transfer for both asset kinds; no allowance is
// involved.
func (b *Bank) TransferOut(ctx context.Context, payee string, currency Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("asset: begin transfer out: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := move(ctx, tx, b.custodian, payee, currency, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("asset: commit transfer out: %w", err)
	}
	return nil
}

// Approve sets the spender's pull allowance over the owner's balance.
func (b *Bank) Approve(ctx context.Context, owner, spender string, currency Currency, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	const q = `
		INSERT INTO asset_allowances (owner_id, spender_id, currency, remaining)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, spender_id, currency)
		DO UPDATE SET remaining = EXCLUDED.remaining, updated_at = now()
	`
	if _, err := b.pool.Exec(ctx, q, owner, spender, currency, amount); err != nil {
		return fmt.Errorf("asset: approve: %w", err)
	}
	return nil
}

// Mint credits freshly issued value to an account. Test and operator tooling
// only; the escrow core never mints.
func (b *Bank) Mint(ctx context.Context, account string, currency Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := credit(ctx, b.pool, account, currency, amount); err != nil {
		return err
	}
	return nil
}

// Balance returns the account's balance for the currency; missing rows read as zero.
func (b *Bank) Balance(ctx context.Context, account string, currency Currency) (int64, error) {
	var balance int64
	err := b.pool.QueryRow(ctx,
		`SELECT balance FROM asset_accounts WHERE account_id = $1 AND currency = $2`,
		account, currency).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("asset: balance: %w", err)
	}
	return balance, nil
}

// Allowance returns the spender's remaining pull allowance; missing rows read as zero.
func (b *Bank) Allowance(ctx context.Context, owner, spender string, currency Currency) (int64, error) {
	var remaining int64
	err := b.pool.QueryRow(ctx,
		`SELECT remaining FROM asset_allowances WHERE owner_id = $1 AND spender_id = $2 AND currency = $3`,
		owner, spender, currency).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("asset: allowance: %w", err)
	}
	return remaining, nil
}

func consumeAllowance(ctx context.Context, tx pgx.Tx, owner, spender string, currency Currency, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE asset_allowances
		SET remaining = remaining - $4, updated_at = now()
		WHERE owner_id = $1 AND spender_id = $2 AND currency = $3 AND remaining >= $4
	`, owner, spender, currency, amount)
	if err != nil {
		return fmt.Errorf("asset: consume allowance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientAllowance
	}
	return nil
}

// move debits one account and credits another inside the caller's
// transaction. Rows are touched in account-id order so concurrent transfers
// between the same pair cannot deadlock.
func move(ctx context.Context, tx pgx.Tx, from, to string, currency Currency, amount int64) error {
	if from <= to {
		if err := debit(ctx, tx, from, currency, amount); err != nil {
			return err
		}
		return credit(ctx, tx, to, currency, amount)
	}
	if err := credit(ctx, tx, to, currency, amount); err != nil {
		return err
	}
	return debit(ctx, tx, from, currency, amount)
}

// execer is satisfied by both pgx.Tx and pgxpool.Pool.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func debit(ctx context.Context, tx pgx.Tx, account string, currency Currency, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE asset_accounts
		SET balance = balance - $3, updated_at = now()
		WHERE account_id = $1 AND currency = $2 AND balance >= $3
	`, account, currency, amount)
	if err != nil {
		return fmt.Errorf("asset: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func credit(ctx context.Context, q execer, account string, currency Currency, amount int64) error {
	const q2 = `
		INSERT INTO asset_accounts (account_id, currency, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, currency)
		DO UPDATE SET balance = asset_accounts.balance + EXCLUDED.balance, updated_at = now()
	`
	if _, err := q.Exec(ctx, q2, account, currency, amount); err != nil {
		return fmt.Errorf("asset: credit: %w", err)
	}
	return nil
}
