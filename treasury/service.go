// Package treasury accumulates the protocol's retained fees and pays them
// out to the operator on demand.
package treasury

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/asset"
	"escrowflow/escrow"
)

var (
	// ErrNotTheOwner signals a withdrawal by anyone but the operator.
	ErrNotTheOwner = errors.New("treasury: caller is not the owner")
	// ErrSendingFundsFailed signals the payout transfer was refused.
	ErrSendingFundsFailed = errors.New("treasury: sending funds failed")
)

// TopicFeesWithdrawn is published when the operator drains the fee account.
const TopicFeesWithdrawn = "treasury.fees_withdrawn"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Drainer is the fee-accumulator access the service needs.
type Drainer interface {
	DrainForUpdate(ctx context.Context, tx pgx.Tx) ([]Holding, error)
	Credit(ctx context.Context, tx pgx.Tx, currency asset.Currency, amount int64) error
	Balance(ctx context.Context, currency asset.Currency) (int64, error)
}

type Service struct {
	pool   TxBeginner
	repo   Drainer
	bank   escrow.Transferor
	outbox escrow.OutboxWriter
	owner  string
}

func NewService(pool TxBeginner, repo Drainer, bank escrow.Transferor, outbox escrow.OutboxWriter, ownerAccountID string) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		bank:   bank,
		outbox: outbox,
		owner:  ownerAccountID,
	}
}

// Balance reports the accumulated fee for one currency.
func (s *Service) Balance(ctx context.Context, currency asset.Currency) (int64, error) {
	return s.repo.Balance(ctx, currency)
}

// Withdraw zeroes every fee balance and pays the prior holdings to the
// operator. The drain commits before any external transfer executes, so a
// failed or repeated payout can never spend the same holding twice; whatever
// was not paid out is credited back for the next attempt.
func (s *Service) Withdraw(ctx context.Context, callerID string) ([]Holding, error) {
	if callerID != s.owner {
		return nil, ErrNotTheOwner
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	holdings, err := s.repo.DrainForUpdate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("treasury: commit drain: %w", err)
	}

	for i, h := range holdings {
		if err := s.bank.TransferOut(ctx, s.owner, h.Currency, h.Balance); err != nil {
			if restoreErr := s.restore(ctx, holdings[i:]); restoreErr != nil {
				return nil, fmt.Errorf("%w: %v; restore unpaid holdings: %v", ErrSendingFundsFailed, err, restoreErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrSendingFundsFailed, err)
		}
	}

	if err := s.publish(ctx, holdings); err != nil {
		return holdings, err
	}
	return holdings, nil
}

// restore credits drained-but-unpaid holdings back to the accumulator. The
// already-paid prefix stays drained, keeping the payout exactly-once.
func (s *Service) restore(ctx context.Context, holdings []Holding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("treasury: begin restore: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, h := range holdings {
		if err := s.repo.Credit(ctx, tx, h.Currency, h.Balance); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("treasury: commit restore: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, holdings []Holding) error {
	if s.outbox == nil || len(holdings) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("treasury: begin publish: %w", err)
	}
	defer tx.Rollback(ctx)

	payload := map[string]any{"owner": s.owner}
	for _, h := range holdings {
		payload[string(h.Currency)] = h.Balance
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicFeesWithdrawn, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("treasury: commit publish: %w", err)
	}
	return nil
}
