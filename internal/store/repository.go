/**
 * @description
 * This file defines the interfaces for the data access layer (repositories).
 * The application layer depends on these interfaces, not on a concrete driver,
 * so PostgreSQL and SQLite can be swapped and the service can be tested with stubs.
 *
 * @notes
 * - Every method that mutates a balance performs its read-modify-write inside a
 *   single database transaction. Callers never compose balance updates.
 * - Methods return the sentinel errors of the domain package (wrapped with %w).
 */
package store

import (
	"context"
	"time"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

// UserRepository is the credential store.
type UserRepository interface {
	// CreateUserWithAccount stores the user and its first account in one
	// transaction. It returns domain.ErrDuplicateUser when the username or
	// email is already taken.
	CreateUserWithAccount(ctx context.Context, user *domain.User, openingBalance int32) (*domain.Account, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateUserRole(ctx context.Context, username string, role domain.Role) error
}

// AccountRepository is the account ledger.
type AccountRepository interface {
	FindAccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error)
	FindAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error)
	// Transfer locks both accounts, applies the transfer and records it atomically.
	Transfer(ctx context.Context, fromIBAN, toIBAN string, amount int32) (*domain.TransferReceipt, error)
}

// LoanRepository is the loan registry.
type LoanRepository interface {
	CreateLoan(ctx context.Context, accountID int64, amount int32, termMonths int) (*domain.Loan, error)
	FindLoanByID(ctx context.Context, id int64) (*domain.Loan, error)
	FindLoansByOwner(ctx context.Context, ownerID int64) ([]domain.Loan, error)
	FindAllLoans(ctx context.Context) ([]domain.Loan, error)
	// ApproveLoan decides a pending loan and credits its account in one transaction.
	ApproveLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, *domain.Account, error)
	DenyLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, error)
}

// AuditRepository persists consumed domain events.
type AuditRepository interface {
	// RecordEvent is idempotent on event.EventID.
	RecordEvent(ctx context.Context, event domain.BankEvent, payload []byte) error
}

// Repository aggregates every store used by the service.
type Repository interface {
	UserRepository
	AccountRepository
	LoanRepository
	AuditRepository
	Driver() string
	Ping(ctx context.Context) error
	Close()
}
