/**
 * @description
 * This file defines the domain events published to the message broker after a
 * state change has been committed, and consumed by the audit trail.
 *
 * @notes
 * - Events never carry credentials, tokens or personal data beyond the username.
 * - EventID is unique per event so that consumers can de-duplicate redeliveries.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys of the events exchange.
const (
	EventUserRegistered    = "user.registered"
	EventTransferCompleted = "transfer.completed"
	EventLoanRequested     = "loan.requested"
	EventLoanApproved      = "loan.approved"
	EventLoanDenied        = "loan.denied"
	EventSessionRevoked    = "session.revoked"
)

// BankEvent is the envelope of every event published by the service.
type BankEvent struct {
	EventID    uuid.UUID  `json:"event_id"`
	Type       string     `json:"event_type"`
	Actor      string     `json:"actor"`
	IBAN       string     `json:"iban,omitempty"`
	ToIBAN     string     `json:"to_iban,omitempty"`
	Amount     int32      `json:"amount,omitempty"`
	TransferID int64      `json:"transfer_id,omitempty"`
	LoanID     int64      `json:"loan_id,omitempty"`
	Status     LoanStatus `json:"status,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewBankEvent creates an event envelope with a fresh id.
func NewBankEvent(eventType, actor string, at time.Time) BankEvent {
	return BankEvent{
		EventID:    uuid.New(),
		Type:       eventType,
		Actor:      actor,
		OccurredAt: at.UTC(),
	}
}

// Valid reports whether a consumed event carries the fields the audit trail needs.
func (e BankEvent) Valid() bool {
	return e.EventID != uuid.Nil && e.Type != "" && !e.OccurredAt.IsZero()
}
