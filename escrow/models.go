package escrow

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/asset"
)

// State represents the lifecycle of an escrow transaction. Complete is
// terminal: the only legal transitions are pending -> complete,
// pending -> dispute and dispute -> complete.
type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateDispute  State = "dispute"
)

// Transaction mirrors the escrow_transactions table. Ids are allocated
// monotonically from 1 and never reused; 0 never names a record.
type Transaction struct {
	ID         int64
	Buyer      string
	Seller     string
	Arbitrator string
	Currency   asset.Currency
	Amount     int64
	State      State
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateParams carries the deposit request. For the native asset kind the
// attached value is authoritative and Amount is ignored; for token kinds
// Amount is pulled through the custodian's allowance.
type CreateParams struct {
	Buyer      string
	Seller     string
	Arbitrator string
	Currency   asset.Currency
	Amount     int64
	Attached   int64
}

const (
	// DefaultFeeRateBps is the protocol fee retained on release, in basis points.
	DefaultFeeRateBps = int64(100)
	// DefaultHoldPeriod is how long the buyer has before the seller may force release.
	DefaultHoldPeriod = 7 * 24 * time.Hour
)

// Timeline event types consumed by off-chain observers.
const (
	EventEscrowCreated     = "ESCROW_CREATED"
	EventFundsDeposited    = "FUNDS_DEPOSITED"
	EventDeliveryConfirmed = "DELIVERY_CONFIRMED"
	EventDisputeRaised     = "DISPUTE_RAISED"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventExpiryReleased    = "EXPIRY_RELEASED"
)

// Outbox topics for downstream delivery.
const (
	TopicEscrowCreated   = "escrow.created"
	TopicEscrowConfirmed = "escrow.confirmed"
	TopicEscrowDisputed  = "escrow.disputed"
	TopicEscrowResolved  = "escrow.resolved"
	TopicEscrowExpired   = "escrow.expired_released"
)

var (
	// ErrDepositAmountZero signals a create call that carries no value.
	ErrDepositAmountZero = errors.New("escrow: deposit amount is zero")
	// ErrTransferFailed signals the asset transfer collaborator refused to move value.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrTransactionNotFound signals a lookup on an id no record carries.
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	// ErrOnlyBuyerCanConfirm signals a confirm call by anyone but the buyer.
	ErrOnlyBuyerCanConfirm = errors.New("escrow: only the buyer can confirm delivery")
	// ErrInvalidTransactionState signals an operation against the wrong state.
	ErrInvalidTransactionState = errors.New("escrow: invalid transaction state")
	// ErrCannotRaiseDispute signals a dispute call by anyone but buyer or seller.
	ErrCannotRaiseDispute = errors.New("escrow: only buyer or seller can raise a dispute")
	// ErrNotTheSeller signals an expiry withdrawal by anyone but the seller.
	ErrNotTheSeller = errors.New("escrow: only the seller can withdraw after expiry")
)

// WithdrawalBeforeExpiryError reports a premature expiry withdrawal with both
// timestamps for diagnostics.
type WithdrawalBeforeExpiryError struct {
	Now    time.Time
	Expiry time.Time
}

func (e *WithdrawalBeforeExpiryError) Error() string {
	return fmt.Sprintf("escrow: withdrawal before expiry: now=%s expiry=%s",
		e.Now.UTC().Format(time.RFC3339), e.Expiry.UTC().Format(time.RFC3339))
}

// Fee returns the protocol fee retained from amount at the given rate,
// truncating toward zero.
func Fee(amount, feeRateBps int64) int64 {
	return amount * feeRateBps / 10000
}
