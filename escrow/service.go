package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/asset"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the transaction-ledger access the service needs.
type Ledger interface {
	AllocateID(ctx context.Context, tx pgx.Tx) (int64, error)
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	Get(ctx context.Context, id int64) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Transaction, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id int64, from, to State) error
}

// Transferor is the external fungible-value collaborator. TransferIn pulls a
// deposit into custody; TransferOut pays out of custody directly, never
// through a second authorized pull.
type Transferor interface {
	TransferIn(ctx context.Context, payer string, currency asset.Currency, amount int64) error
	TransferOut(ctx context.Context, payee string, currency asset.Currency, amount int64) error
}

// FeeCrediter accumulates the protocol's retained fee inside the releasing
// transaction.
type FeeCrediter interface {
	Credit(ctx context.Context, tx pgx.Tx, currency asset.Currency, amount int64) error
}

// TimelineWriter appends observer-facing events inside the same transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID int64, eventType string, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues messages for downstream delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives escrow records through their state machine. Every operation
// is atomic: one transaction, a FOR UPDATE lock on the record, state flipped
// before the external payout, everything rolled back if any step fails.
type Service struct {
	pool       TxBeginner
	repo       Ledger
	bank       Transferor
	fees       FeeCrediter
	timeline   TimelineWriter
	outbox     OutboxWriter
	now        func() time.Time
	feeRateBps int64
	holdPeriod time.Duration
}

func NewService(pool TxBeginner, repo Ledger, bank Transferor, fees FeeCrediter, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		bank:       bank,
		fees:       fees,
		timeline:   timeline,
		outbox:     outbox,
		now:        time.Now,
		feeRateBps: DefaultFeeRateBps,
		holdPeriod: DefaultHoldPeriod,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithFeeRate(bps int64) *Service {
	s.feeRateBps = bps
	return s
}

func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	s.holdPeriod = d
	return s
}

// Create deposits value and opens a pending escrow. The inbound transfer must
// succeed before the record is inserted or the counter advances: no record
// may ever exist for funds that were not received. The converse holds too: if
// the record cannot be committed, the pulled deposit is refunded to the buyer.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.Buyer == "" {
		return Transaction{}, fmt.Errorf("escrow: missing buyer")
	}
	if params.Seller == "" || params.Arbitrator == "" {
		return Transaction{}, fmt.Errorf("escrow: missing seller or arbitrator")
	}
	if params.Currency == "" {
		return Transaction{}, fmt.Errorf("escrow: missing currency")
	}

	// For native deposits the attached value is the amount; the Amount
	// argument is deliberately ignored for that kind.
	amount := params.Amount
	if params.Currency.IsNative() {
		if params.Attached <= 0 {
			return Transaction{}, ErrDepositAmountZero
		}
		amount = params.Attached
	} else if amount <= 0 {
		return Transaction{}, ErrDepositAmountZero
	}

	if err := s.bank.TransferIn(ctx, params.Buyer, params.Currency, amount); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	rec, err := s.insertRecord(ctx, params, amount)
	if err != nil {
		// The deposit is already in custody but no record was committed.
		// Return it so no value is ever held without a ledger entry.
		if refundErr := s.bank.TransferOut(ctx, params.Buyer, params.Currency, amount); refundErr != nil {
			return Transaction{}, fmt.Errorf("escrow: refund deposit after failed create: %v: %w", refundErr, err)
		}
		return Transaction{}, err
	}
	return rec, nil
}

func (s *Service) insertRecord(ctx context.Context, params CreateParams, amount int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := s.repo.AllocateID(ctx, tx)
	if err != nil {
		return Transaction{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, Transaction{
		ID:         id,
		Buyer:      params.Buyer,
		Seller:     params.Seller,
		Arbitrator: params.Arbitrator,
		Currency:   params.Currency,
		Amount:     amount,
		State:      StatePending,
		ExpiresAt:  s.now().Add(s.holdPeriod),
	})
	if err != nil {
		return Transaction{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"buyer":      rec.Buyer,
			"seller":     rec.Seller,
			"arbitrator": rec.Arbitrator,
			"currency":   rec.Currency,
			"amount":     rec.Amount,
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, EventEscrowCreated, rec.Buyer, payload); err != nil {
			return Transaction{}, err
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, EventFundsDeposited, rec.Buyer, map[string]any{"amount": rec.Amount}); err != nil {
			return Transaction{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"escrow_id": rec.ID,
			"currency":  rec.Currency,
			"amount":    rec.Amount,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicEscrowCreated, payload); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// ConfirmDelivery releases the deposit to the seller minus the protocol fee.
// Only the buyer may confirm, and only while the record is pending; the
// single pending-state check is what refuses double confirmation and
// confirmation during a dispute.
func (s *Service) ConfirmDelivery(ctx context.Context, callerID string, id int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin confirm: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if callerID != rec.Buyer {
		return Transaction{}, ErrOnlyBuyerCanConfirm
	}
	if rec.State != StatePending {
		return Transaction{}, ErrInvalidTransactionState
	}

	rec, err = s.release(ctx, tx, rec, EventDeliveryConfirmed, TopicEscrowConfirmed, callerID)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit confirm: %w", err)
	}
	return rec, nil
}

// RaiseDispute freezes a pending escrow until the arbitrator rules. Only the
// buyer or the seller may raise it.
func (s *Service) RaiseDispute(ctx context.Context, callerID string, id int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if callerID != rec.Buyer && callerID != rec.Seller {
		return Transaction{}, ErrCannotRaiseDispute
	}
	if rec.State != StatePending {
		return Transaction{}, ErrInvalidTransactionState
	}

	if err := s.repo.UpdateState(ctx, tx, rec.ID, StatePending, StateDispute); err != nil {
		return Transaction{}, err
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, rec.ID, EventDisputeRaised, callerID, map[string]any{"raised_by": callerID}); err != nil {
			return Transaction{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, TopicEscrowDisputed, map[string]any{"escrow_id": rec.ID}); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	rec.State = StateDispute
	return rec, nil
}

// WithdrawAfterExpiry lets the seller force release once the hold period has
// passed without buyer action. Payout is identical to ConfirmDelivery.
func (s *Service) WithdrawAfterExpiry(ctx context.Context, callerID string, id int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin expiry withdraw: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if callerID != rec.Seller {
		return Transaction{}, ErrNotTheSeller
	}
	if rec.State != StatePending {
		return Transaction{}, ErrInvalidTransactionState
	}
	if now := s.now(); now.Before(rec.ExpiresAt) {
		return Transaction{}, &WithdrawalBeforeExpiryError{Now: now, Expiry: rec.ExpiresAt}
	}

	rec, err = s.release(ctx, tx, rec, EventExpiryReleased, TopicEscrowExpired, callerID)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit expiry withdraw: %w", err)
	}
	return rec, nil
}

// Get returns the record without locking it.
func (s *Service) Get(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.Get(ctx, id)
}

// release flips the record to complete and then pays the seller net of the
// protocol fee. The state change runs strictly before the external transfer;
// a failed transfer rolls both back through the surrounding transaction.
func (s *Service) release(ctx context.Context, tx pgx.Tx, rec Transaction, eventType, topic, actorID string) (Transaction, error) {
	if err := s.repo.UpdateState(ctx, tx, rec.ID, rec.State, StateComplete); err != nil {
		return Transaction{}, err
	}

	fee := Fee(rec.Amount, s.feeRateBps)
	payout := rec.Amount - fee
	payee := rec.Seller

	if err := s.bank.TransferOut(ctx, payee, rec.Currency, payout); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if fee > 0 && s.fees != nil {
		if err := s.fees.Credit(ctx, tx, rec.Currency, fee); err != nil {
			return Transaction{}, err
		}
	}

	if s.timeline != nil {
		payload := map[string]any{
			"payee":  payee,
			"payout": payout,
			"fee":    fee,
		}
		if err := s.timeline.Append(ctx, tx, rec.ID, eventType, actorID, payload); err != nil {
			return Transaction{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"escrow_id": rec.ID,
			"payee":     payee,
			"payout":    payout,
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return Transaction{}, err
		}
	}

	rec.State = StateComplete
	return rec, nil
}
