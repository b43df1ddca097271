package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/arbitration"
	"escrowflow/asset"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/treasury"
)

// AuthService is the slice of auth used by the HTTP layer.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// EscrowService drives the escrow lifecycle.
type EscrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Transaction, error)
	ConfirmDelivery(ctx context.Context, callerID string, id int64) (escrow.Transaction, error)
	RaiseDispute(ctx context.Context, callerID string, id int64) (escrow.Transaction, error)
	WithdrawAfterExpiry(ctx context.Context, callerID string, id int64) (escrow.Transaction, error)
	Get(ctx context.Context, id int64) (escrow.Transaction, error)
}

// ArbitrationService resolves disputes.
type ArbitrationService interface {
	Resolve(ctx context.Context, callerID string, id int64, toBuyer bool) (escrow.Transaction, error)
}

// TreasuryService exposes the fee account.
type TreasuryService interface {
	Withdraw(ctx context.Context, callerID string) ([]treasury.Holding, error)
	Balance(ctx context.Context, currency asset.Currency) (int64, error)
}

// Server wires the domain services to the HTTP surface.
type Server struct {
	authService        AuthService
	escrowService      EscrowService
	arbitrationService ArbitrationService
	treasuryService    TreasuryService
}

type callerKey struct{}

type caller struct {
	ID   string
	Role auth.Role
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/escrows", s.requireAuth(s.handleCreateEscrow))
	mux.HandleFunc("GET /api/escrows/{id}", s.requireAuth(s.handleGetEscrow))
	mux.HandleFunc("POST /api/escrows/{id}/confirm", s.requireAuth(s.handleConfirm))
	mux.HandleFunc("POST /api/escrows/{id}/dispute", s.requireAuth(s.handleDispute))
	mux.HandleFunc("POST /api/escrows/{id}/resolve", s.requireAuth(s.handleResolve))
	mux.HandleFunc("POST /api/escrows/{id}/withdraw", s.requireAuth(s.handleExpiryWithdraw))
	mux.HandleFunc("POST /api/treasury/withdraw", s.requireAuth(s.handleTreasuryWithdraw))
	mux.HandleFunc("GET /api/treasury/balance", s.requireAuth(s.handleTreasuryBalance))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		accountID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller{ID: accountID, Role: role})
		next(w, r.WithContext(ctx))
	}
}

func callerFrom(r *http.Request) caller {
	c, _ := r.Context().Value(callerKey{}).(caller)
	return c
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           account.ID,
		"email":        account.Email,
		"display_name": account.DisplayName,
		"role":         account.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.internalError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"account_id": result.Account.ID,
		"role":       result.Account.Role,
	})
}

type createEscrowRequest struct {
	Seller     string `json:"seller"`
	Arbitrator string `json:"arbitrator"`
	Currency   string `json:"currency"`
	Amount     int64  `json:"amount"`
	Attached   int64  `json:"attached"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		Buyer:      callerFrom(r).ID,
		Seller:     req.Seller,
		Arbitrator: req.Arbitrator,
		Currency:   asset.Currency(req.Currency),
		Amount:     req.Amount,
		Attached:   req.Attached,
	})
	if err != nil {
		s.writeEscrowError(w, "create escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, "get escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrowService.ConfirmDelivery(r.Context(), callerFrom(r).ID, id)
	if err != nil {
		s.writeEscrowError(w, "confirm delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrowService.RaiseDispute(r.Context(), callerFrom(r).ID, id)
	if err != nil {
		s.writeEscrowError(w, "raise dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

type resolveRequest struct {
	ToBuyer bool `json:"to_buyer"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.arbitrationService.Resolve(r.Context(), callerFrom(r).ID, id, req.ToBuyer)
	if err != nil {
		s.writeEscrowError(w, "resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleExpiryWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrowService.WithdrawAfterExpiry(r.Context(), callerFrom(r).ID, id)
	if err != nil {
		s.writeEscrowError(w, "withdraw after expiry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.treasuryService.Withdraw(r.Context(), callerFrom(r).ID)
	if err != nil {
		s.writeEscrowError(w, "treasury withdraw", err)
		return
	}
	out := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		out[string(h.Currency)] = h.Balance
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": out})
}

func (s *Server) handleTreasuryBalance(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = string(asset.Native)
	}
	balance, err := s.treasuryService.Balance(r.Context(), asset.Currency(currency))
	if err != nil {
		s.internalError(w, "treasury balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": currency, "balance": balance})
}

// writeEscrowError maps domain errors onto HTTP statuses.
func (s *Server) writeEscrowError(w http.ResponseWriter, op string, err error) {
	var expiryErr *escrow.WithdrawalBeforeExpiryError
	switch {
	case errors.Is(err, escrow.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrOnlyBuyerCanConfirm),
		errors.Is(err, escrow.ErrCannotRaiseDispute),
		errors.Is(err, escrow.ErrNotTheSeller),
		errors.Is(err, arbitration.ErrNotTheArbitrator),
		errors.Is(err, treasury.ErrNotTheOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrDepositAmountZero):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrInvalidTransactionState),
		errors.Is(err, arbitration.ErrCannotResolveDispute):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &expiryErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "withdrawal before expiry",
			"now":    expiryErr.Now.UTC().Format(time.RFC3339),
			"expiry": expiryErr.Expiry.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, escrow.ErrTransferFailed),
		errors.Is(err, treasury.ErrSendingFundsFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func escrowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return 0, false
	}
	return id, true
}

type escrowResponse struct {
	ID         int64  `json:"id"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Arbitrator string `json:"arbitrator"`
	Currency   string `json:"currency"`
	Amount     int64  `json:"amount"`
	State      string `json:"state"`
	ExpiresAt  string `json:"expires_at"`
	CreatedAt  string `json:"created_at"`
}

func toEscrowResponse(t escrow.Transaction) escrowResponse {
	return escrowResponse{
		ID:         t.ID,
		Buyer:      t.Buyer,
		Seller:     t.Seller,
		Arbitrator: t.Arbitrator,
		Currency:   string(t.Currency),
		Amount:     t.Amount,
		State:      string(t.State),
		ExpiresAt:  t.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
