/**
 * @description
 * This file contains the HTTP handlers for the banking API. Handlers parse the
 * request, resolve the caller from the context, call the application service
 * and write the JSON response.
 *
 * @notes
 * - The JSON field names (IBAN, kontostand, laufzeit, ...) are part of the
 *   public API and must not change.
 * - Request bodies are capped at maxBodyBytes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fabio-anzola/websec-BadBank/internal/app"
	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
	logger  *slog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	GivenName  string `json:"vorname"`
	FamilyName string `json:"nachname"`
	BirthDate  string `json:"gebdatum"`
	Email      string `json:"email"`
	NationalID string `json:"svnummer"`
}

type registerResponse struct {
	Message string `json:"message"`
	IBAN    string `json:"IBAN"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type accountResponse struct {
	IBAN    string `json:"IBAN"`
	Balance int32  `json:"kontostand"`
	Owner   string `json:"owner"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type transferResponse struct {
	Message    string `json:"message"`
	TransferID int64  `json:"transfer_id"`
}

type loanRequest struct {
	IBAN       string `json:"iban"`
	Amount     int64  `json:"amount"`
	TermMonths int    `json:"laufzeit"`
}

type loanCreatedResponse struct {
	Message string `json:"message"`
	LoanID  int64  `json:"loan_id"`
}

type loanResponse struct {
	LoanID     int64             `json:"loan_id"`
	IBAN       string            `json:"IBAN"`
	Amount     int32             `json:"amount"`
	TermMonths int               `json:"laufzeit"`
	Status     domain.LoanStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	DecidedAt  *time.Time        `json:"decided_at,omitempty"`
}

func toAccountResponse(a domain.Account) accountResponse {
	return accountResponse{IBAN: a.IBAN, Balance: a.Balance, Owner: a.Owner}
}

func toLoanResponse(l domain.Loan) loanResponse {
	return loanResponse{
		LoanID:     l.ID,
		IBAN:       l.IBAN,
		Amount:     l.Amount,
		TermMonths: l.TermMonths,
		Status:     l.Status,
		CreatedAt:  l.CreatedAt,
		DecidedAt:  l.DecidedAt,
	}
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("%w: request body too large", domain.ErrValidation)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", domain.ErrValidation)
		default:
			return fmt.Errorf("%w: invalid request body", domain.ErrValidation)
		}
	}
	return nil
}

// RegisterHandler handles POST /register.
func (h *Handlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	account, err := h.service.Register(r.Context(), domain.Registration{
		Username:   req.Username,
		Password:   req.Password,
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
		BirthDate:  req.BirthDate,
		Email:      req.Email,
		NationalID: req.NationalID,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Message: "user registered", IBAN: account.IBAN})
}

// LoginHandler handles POST /login.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	token, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token.Value, TokenType: "Bearer", ExpiresAt: token.ExpiresAt})
}

// LogoutHandler handles POST /logout.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := h.service.Logout(r.Context(), caller); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// ListAccountsHandler handles GET /account.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), caller)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccountHandler handles GET /account/{iban}.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	account, err := h.service.GetAccount(r.Context(), caller, chi.URLParam(r, "iban"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*account))
}

// TransferHandler handles POST /transfer.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	receipt, err := h.service.Transfer(r.Context(), caller, req.From, req.To, req.Amount)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Message: "transfer completed", TransferID: receipt.ID})
}

// RequestLoanHandler handles POST /loan/request.
func (h *Handlers) RequestLoanHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	var req loanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	loan, err := h.service.RequestLoan(r.Context(), caller, req.IBAN, req.Amount, req.TermMonths)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanCreatedResponse{Message: "loan requested", LoanID: loan.ID})
}

// ListLoansHandler handles GET /loans.
func (h *Handlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	loans, err := h.service.ListLoans(r.Context(), caller)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		resp = append(resp, toLoanResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApproveLoanHandler handles POST /loan/{id}/approve.
func (h *Handlers) ApproveLoanHandler(w http.ResponseWriter, r *http.Request) {
	h.decideLoan(w, r, h.service.ApproveLoan, "loan approved")
}

// DenyLoanHandler handles POST /loan/{id}/deny.
func (h *Handlers) DenyLoanHandler(w http.ResponseWriter, r *http.Request) {
	h.decideLoan(w, r, h.service.DenyLoan, "loan denied")
}

type loanDecision func(ctx context.Context, caller app.Caller, loanID int64) (*domain.Loan, error)

func (h *Handlers) decideLoan(w http.ResponseWriter, r *http.Request, decide loanDecision, message string) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	loanID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || loanID <= 0 {
		respondError(w, r, h.logger, fmt.Errorf("%w: loan id must be a positive integer", domain.ErrValidation))
		return
	}

	if _, err := decide(r.Context(), caller, loanID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

// DiagnosticsHandler handles GET /admin/diagnostics.
func (h *Handlers) DiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	diag, err := h.service.Diagnostics(r.Context(), caller)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}
