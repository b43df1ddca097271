package asset

import "errors"

// Currency identifies an asset kind held by the custodial ledger. Native
// value uses the reserved "native" currency; any other value is treated as a
// fungible token id.
type Currency string

// Native is the ledger's native asset kind.
const Native Currency = "native"

// IsNative reports whether the currency is the native asset kind.
func (c Currency) IsNative() bool { return c == Native }

var (
	// ErrInsufficientFunds signals the payer balance cannot cover the transfer.
	ErrInsufficientFunds = errors.New("asset: insufficient funds")
	// ErrInsufficientAllowance signals the custodian was not authorized to pull the amount.
	ErrInsufficientAllowance = errors.New("asset: insufficient allowance")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("asset: amount must be positive")
)
