package arbitration

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/asset"
	"escrowflow/escrow"
)

func disputedEscrow() escrow.Transaction {
	return escrow.Transaction{
		ID:         7,
		Buyer:      "buyer-1",
		Seller:     "seller-1",
		Arbitrator: "arb-1",
		Currency:   asset.Native,
		Amount:     10000,
		State:      escrow.StateDispute,
	}
}

func TestResolve_ToSellerFullAmount(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger(disputedEscrow())
	bank := &fakeBank{}
	timeline := &fakeTimeline{}
	outbox := &fakeOutbox{}
	svc := NewService(pool, repo, bank, timeline, outbox)

	rec, err := svc.Resolve(context.Background(), "arb-1", 7, false)
	if err != nil {
		t.Fatalf("resolve: unexpected error: %v", err)
	}

	if rec.State != escrow.StateComplete {
		t.Fatalf("expected complete, got %s", rec.State)
	}
	// Arbitrated releases pay the full held amount: no fee on this path.
	if len(bank.out) != 1 || bank.out[0].account != "seller-1" || bank.out[0].amount != 10000 {
		t.Fatalf("unexpected payout: %+v", bank.out)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(timeline.entries) != 1 || timeline.entries[0].eventType != escrow.EventDisputeResolved {
		t.Fatalf("unexpected timeline entries: %+v", timeline.entries)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != escrow.TopicEscrowResolved {
		t.Fatalf("unexpected outbox topics: %v", outbox.topics)
	}
}

func TestResolve_ToBuyerRefund(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger(disputedEscrow())
	bank := &fakeBank{}
	svc := NewService(pool, repo, bank, nil, nil)

	rec, err := svc.Resolve(context.Background(), "arb-1", 7, true)
	if err != nil {
		t.Fatalf("resolve: unexpected error: %v", err)
	}

	if rec.State != escrow.StateComplete {
		t.Fatalf("expected complete, got %s", rec.State)
	}
	if len(bank.out) != 1 || bank.out[0].account != "buyer-1" || bank.out[0].amount != 10000 {
		t.Fatalf("unexpected payout: %+v", bank.out)
	}
}

func TestResolve_NotTheArbitrator(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger(disputedEscrow())
	bank := &fakeBank{}
	svc := NewService(pool, repo, bank, nil, nil)

	_, err := svc.Resolve(context.Background(), "buyer-1", 7, true)
	if !errors.Is(err, ErrNotTheArbitrator) {
		t.Fatalf("expected ErrNotTheArbitrator, got %v", err)
	}

	if pool.tx.committed {
		t.Error("expected commit to be skipped")
	}
	if len(bank.out) != 0 {
		t.Error("expected no payout")
	}
	if repo.records[7].State != escrow.StateDispute {
		t.Fatalf("expected record to stay in dispute, got %s", repo.records[7].State)
	}
}

func TestResolve_NotInDispute(t *testing.T) {
	for _, state := range []escrow.State{escrow.StatePending, escrow.StateComplete} {
		pool := &fakePool{}
		rec := disputedEscrow()
		rec.State = state
		repo := newFakeLedger(rec)
		bank := &fakeBank{}
		svc := NewService(pool, repo, bank, nil, nil)

		_, err := svc.Resolve(context.Background(), "arb-1", 7, false)
		if !errors.Is(err, ErrCannotResolveDispute) {
			t.Fatalf("state %s: expected ErrCannotResolveDispute, got %v", state, err)
		}
		if len(bank.out) != 0 {
			t.Errorf("state %s: expected no payout", state)
		}
	}
}

func TestResolve_PayoutRefusedRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger(disputedEscrow())
	bank := &fakeBank{outErr: errors.New("asset: insufficient funds")}
	svc := NewService(pool, repo, bank, nil, nil)

	_, err := svc.Resolve(context.Background(), "arb-1", 7, false)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	if pool.tx.committed {
		t.Error("expected commit to be skipped on failed payout")
	}
	if !pool.tx.rolled {
		t.Error("expected rollback")
	}
}

func TestResolve_NotFound(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger()
	svc := NewService(pool, repo, &fakeBank{}, nil, nil)

	_, err := svc.Resolve(context.Background(), "arb-1", 99, false)
	if !errors.Is(err, escrow.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

type fakeLedger struct {
	records map[int64]escrow.Transaction
}

func newFakeLedger(seed ...escrow.Transaction) *fakeLedger {
	f := &fakeLedger{records: make(map[int64]escrow.Transaction)}
	for _, rec := range seed {
		f.records[rec.ID] = rec
	}
	return f
}

func (f *fakeLedger) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (escrow.Transaction, error) {
	rec, ok := f.records[id]
	if !ok {
		return escrow.Transaction{}, escrow.ErrTransactionNotFound
	}
	return rec, nil
}

func (f *fakeLedger) UpdateState(ctx context.Context, tx pgx.Tx, id int64, from, to escrow.State) error {
	rec, ok := f.records[id]
	if !ok || rec.State != from {
		return escrow.ErrInvalidTransactionState
	}
	rec.State = to
	f.records[id] = rec
	return nil
}

type transfer struct {
	account  string
	currency asset.Currency
	amount   int64
}

type fakeBank struct {
	out    []transfer
	outErr error
}

func (f *fakeBank) TransferIn(ctx context.Context, payer string, currency asset.Currency, amount int64) error {
	panic("not used in arbitration")
}

func (f *fakeBank) TransferOut(ctx context.Context, payee string, currency asset.Currency, amount int64) error {
	if f.outErr != nil {
		return f.outErr
	}
	f.out = append(f.out, transfer{payee, currency, amount})
	return nil
}

type timelineEntry struct {
	escrowID  int64
	eventType string
	actorID   string
}

type fakeTimeline struct {
	entries []timelineEntry
}

func (f *fakeTimeline) Append(ctx context.Context, tx pgx.Tx, escrowID int64, eventType string, actorID string, payload map[string]any) error {
	f.entries = append(f.entries, timelineEntry{escrowID, eventType, actorID})
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
