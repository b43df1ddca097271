// Package arbitration implements arbitrator-only resolution of disputed
// escrows: the held deposit is directed in full to either party, with no
// protocol fee taken on this path.
package arbitration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
)

var (
	// ErrNotTheArbitrator signals a resolve call by anyone but the record's arbitrator.
	ErrNotTheArbitrator = errors.New("arbitration: caller is not the arbitrator")
	// ErrCannotResolveDispute signals a resolve call against a record not in dispute.
	ErrCannotResolveDispute = errors.New("arbitration: transaction is not in dispute")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the slice of the transaction ledger resolution needs.
type Ledger interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (escrow.Transaction, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id int64, from, to escrow.State) error
}

type Service struct {
	pool     TxBeginner
	repo     Ledger
	bank     escrow.Transferor
	timeline escrow.TimelineWriter
	outbox   escrow.OutboxWriter
}

func NewService(pool TxBeginner, repo Ledger, bank escrow.Transferor, timeline escrow.TimelineWriter, outbox escrow.OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		bank:     bank,
		timeline: timeline,
		outbox:   outbox,
	}
}

// Resolve completes a disputed escrow, paying the full held amount to the
// buyer when toBuyer is true and to the seller otherwise. Intentionally no
// fee is deducted on arbitrated releases.
func (s *Service) Resolve(ctx context.Context, callerID string, id int64, toBuyer bool) (escrow.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("arbitration: begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return escrow.Transaction{}, err
	}
	if callerID != rec.Arbitrator {
		return escrow.Transaction{}, ErrNotTheArbitrator
	}
	if rec.State != escrow.StateDispute {
		return escrow.Transaction{}, ErrCannotResolveDispute
	}

	// State flips before the payout; a failed transfer rolls it back.
	if err := s.repo.UpdateState(ctx, tx, rec.ID, escrow.StateDispute, escrow.StateComplete); err != nil {
		return escrow.Transaction{}, err
	}

	payee := rec.Seller
	if toBuyer {
		payee = rec.Buyer
	}
	if err := s.bank.TransferOut(ctx, payee, rec.Currency, rec.Amount); err != nil {
		return escrow.Transaction{}, fmt.Errorf("%w: %v", escrow.ErrTransferFailed, err)
	}

	if s.timeline != nil {
		payload := map[string]any{
			"released_to_seller": !toBuyer,
			"payee":              payee,
			"amount":             rec.Amount,
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, escrow.EventDisputeResolved, callerID, payload); err != nil {
			return escrow.Transaction{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"escrow_id":          rec.ID,
			"released_to_seller": !toBuyer,
		}
		if err := s.outbox.Enqueue(ctx, tx, escrow.TopicEscrowResolved, payload); err != nil {
			return escrow.Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Transaction{}, fmt.Errorf("arbitration: commit resolve: %w", err)
	}
	rec.State = escrow.StateComplete
	return rec, nil
}
