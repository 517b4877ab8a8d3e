/**
 * @description
 * This file defines the Loan model and its state machine.
 *
 * @notes
 * - A loan starts as pending and is decided exactly once. Both approved and
 *   denied are terminal states.
 * - Loans are never deleted.
 */
package domain

import (
	"fmt"
	"time"
)

// LoanStatus defines the lifecycle state of a loan.
type LoanStatus string

const (
	LoanPending  LoanStatus = "pending"
	LoanApproved LoanStatus = "approved"
	LoanDenied   LoanStatus = "denied"
)

const (
	MinLoanTermMonths = 1
	MaxLoanTermMonths = 360
)

// Loan represents a credit request against one account.
type Loan struct {
	ID         int64      `json:"loan_id"`
	AccountID  int64      `json:"account_id"`
	IBAN       string     `json:"IBAN"`
	Amount     int32      `json:"amount"`
	TermMonths int        `json:"laufzeit"`
	Status     LoanStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
}

// LoanRequest carries the validated input of a new loan.
type LoanRequest struct {
	IBAN       string
	Amount     int32
	TermMonths int
}

// NewLoanRequest validates the raw amount and term of a loan request.
func NewLoanRequest(iban string, amount int64, termMonths int) (LoanRequest, error) {
	iban = NormalizeIBAN(iban)
	if iban == "" {
		return LoanRequest{}, fmt.Errorf("%w: iban is required", ErrValidation)
	}
	a, err := ValidateAmount(amount)
	if err != nil {
		return LoanRequest{}, err
	}
	if termMonths < MinLoanTermMonths || termMonths > MaxLoanTermMonths {
		return LoanRequest{}, fmt.Errorf("%w: laufzeit must be between %d and %d months", ErrValidation, MinLoanTermMonths, MaxLoanTermMonths)
	}
	return LoanRequest{IBAN: iban, Amount: a, TermMonths: termMonths}, nil
}

// Approve moves a pending loan to approved.
func (l *Loan) Approve(decidedBy string, at time.Time) error {
	return l.decide(LoanApproved, decidedBy, at)
}

// Deny moves a pending loan to denied.
func (l *Loan) Deny(decidedBy string, at time.Time) error {
	return l.decide(LoanDenied, decidedBy, at)
}

func (l *Loan) decide(status LoanStatus, decidedBy string, at time.Time) error {
	if l.Status != LoanPending {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, l.ID, l.Status)
	}
	l.Status = status
	l.DecidedBy = decidedBy
	l.DecidedAt = &at
	return nil
}
