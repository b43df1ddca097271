// Package actors hosts the concurrent workload for the stress run: buyers
// depositing, confirming and disputing, the arbitrator ruling, the seller
// forcing expiry releases and the operator draining fees, all hammering the
// same ledger at once.
package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitration"
	"escrowflow/asset"
	"escrowflow/escrow"
	"escrowflow/treasury"
)

// World bundles the services and participant ids every actor shares.
type World struct {
	Pool        *pgxpool.Pool
	Bank        *asset.Bank
	Escrow      *escrow.Service
	Arbitration *arbitration.Service
	Treasury    *treasury.Service

	Buyer      string
	Seller     string
	Arbitrator string
	Operator   string
}

var currencies = []asset.Currency{asset.Native, asset.Currency("usdc")}

// Depositor mints fresh value for the buyer and opens escrows in random
// currencies. Domain refusals are expected under contention and ignored;
// connection errors are tolerated because chaos kills backends.
func Depositor(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		currency := currencies[rand.Intn(len(currencies))]
		amount := int64(1000 + rand.Intn(9000))

		if err := w.Bank.Mint(ctx, w.Buyer, currency, amount); err == nil {
			params := escrow.CreateParams{
				Buyer:      w.Buyer,
				Seller:     w.Seller,
				Arbitrator: w.Arbitrator,
				Currency:   currency,
			}
			if currency.IsNative() {
				params.Attached = amount
			} else {
				params.Amount = amount
				if err := w.Bank.Approve(ctx, w.Buyer, w.Bank.Custodian(), currency, amount); err != nil {
					continue
				}
			}
			_, _ = w.Escrow.Create(ctx, params)
		}

		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Confirmer picks a random pending escrow and confirms it as the buyer.
// Races against Disputer and other Confirmers; losing the pending-state race
// is the point.
func Confirmer(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, ok := randomEscrow(ctx, w.Pool, escrow.StatePending); ok {
			_, _ = w.Escrow.ConfirmDelivery(ctx, w.Buyer, id)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Disputer freezes random pending escrows, alternating between the buyer and
// the seller as the raising party.
func Disputer(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, ok := randomEscrow(ctx, w.Pool, escrow.StatePending); ok {
			caller := w.Buyer
			if rand.Intn(2) == 0 {
				caller = w.Seller
			}
			_, _ = w.Escrow.RaiseDispute(ctx, caller, id)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Arbiter resolves disputed escrows with random rulings.
func Arbiter(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, ok := randomEscrow(ctx, w.Pool, escrow.StateDispute); ok {
			_, _ = w.Arbitration.Resolve(ctx, w.Arbitrator, id, rand.Intn(2) == 0)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// ExpiryWithdrawer tries seller force-releases. The service clock is real, so
// almost every attempt is refused as premature; the actor exists to race the
// refusal path against concurrent confirms and disputes.
func ExpiryWithdrawer(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if id, ok := randomEscrow(ctx, w.Pool, escrow.StatePending); ok {
			_, _ = w.Escrow.WithdrawAfterExpiry(ctx, w.Seller, id)
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// FeeCollector drains the accumulated fees as the operator.
func FeeCollector(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, _ = w.Treasury.Withdraw(ctx, w.Operator)
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with simulated random failures bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func randomEscrow(ctx context.Context, pool *pgxpool.Pool, state escrow.State) (int64, bool) {
	var id int64
	err := pool.QueryRow(ctx,
		`SELECT id FROM escrow_transactions WHERE state=$1 ORDER BY random() LIMIT 1`, state).Scan(&id)
	return id, err == nil
}
