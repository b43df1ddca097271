package auth

import "time"

type Role string

const (
	// RoleTrader may act as buyer or seller of an escrow.
	RoleTrader Role = "trader"
	// RoleArbitrator may resolve disputes it is named on.
	RoleArbitrator Role = "arbitrator"
	// RoleOperator owns the protocol fee account.
	RoleOperator Role = "operator"
)

// Account is the domain representation of an authenticated participant.
// It mirrors the accounts table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
