/**
 * @description
 * PostgreSQL queries of the loan registry. Decisions lock the loan row and then
 * the account row, so a loan cannot be decided twice and the credit cannot
 * race with a concurrent transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

const pgLoanColumns = `l.id, l.account_id, a.iban, l.amount, l.term_months, l.status, l.created_at, l.decided_at, COALESCE(l.decided_by, '')`

func scanPgLoan(row pgx.Row) (*domain.Loan, error) {
	var l domain.Loan
	err := row.Scan(&l.ID, &l.AccountID, &l.IBAN, &l.Amount, &l.TermMonths, &l.Status, &l.CreatedAt, &l.DecidedAt, &l.DecidedBy)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func collectPgLoans(rows pgx.Rows) ([]domain.Loan, error) {
	defer rows.Close()
	var loans []domain.Loan
	for rows.Next() {
		l, err := scanPgLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// CreateLoan stores a new pending loan.
func (r *PostgresRepository) CreateLoan(ctx context.Context, accountID int64, amount int32, termMonths int) (*domain.Loan, error) {
	loan := &domain.Loan{
		AccountID:  accountID,
		Amount:     amount,
		TermMonths: termMonths,
		Status:     domain.LoanPending,
	}
	err := r.db.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO loans (account_id, amount, term_months, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, account_id, created_at
		)
		SELECT inserted.id, inserted.created_at, a.iban
		FROM inserted
		JOIN accounts a ON a.id = inserted.account_id
	`, accountID, amount, termMonths, domain.LoanPending).Scan(&loan.ID, &loan.CreatedAt, &loan.IBAN)
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	return loan, nil
}

// FindLoanByID retrieves a single loan.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, id int64) (*domain.Loan, error) {
	l, err := scanPgLoan(r.db.QueryRow(ctx, `
		SELECT `+pgLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, err
	}
	return l, nil
}

// FindLoansByOwner returns the loans of every account owned by a user.
func (r *PostgresRepository) FindLoansByOwner(ctx context.Context, ownerID int64) ([]domain.Loan, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+pgLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		WHERE a.owner_id = $1
		ORDER BY l.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectPgLoans(rows)
}

// FindAllLoans returns every loan.
func (r *PostgresRepository) FindAllLoans(ctx context.Context) ([]domain.Loan, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+pgLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		ORDER BY l.id
	`)
	if err != nil {
		return nil, err
	}
	return collectPgLoans(rows)
}

func (r *PostgresRepository) lockLoan(ctx context.Context, tx pgx.Tx, id int64) (*domain.Loan, error) {
	l, err := scanPgLoan(tx.QueryRow(ctx, `
		SELECT `+pgLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.id = $1
		FOR UPDATE OF l
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *PostgresRepository) saveDecision(ctx context.Context, tx pgx.Tx, l *domain.Loan) error {
	_, err := tx.Exec(ctx, `
		UPDATE loans SET status = $1, decided_at = $2, decided_by = $3 WHERE id = $4
	`, l.Status, l.DecidedAt, l.DecidedBy, l.ID)
	return err
}

// ApproveLoan approves a pending loan and credits the loan amount to its account.
func (r *PostgresRepository) ApproveLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, *domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := r.lockLoan(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := loan.Approve(decidedBy, at); err != nil {
		return nil, nil, err
	}

	account, err := scanPgAccount(tx.QueryRow(ctx, `
		SELECT `+pgAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE a.id = $1
		FOR UPDATE OF a
	`, loan.AccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.ErrAccountNotFound
		}
		return nil, nil, err
	}

	newBalance, err := domain.Credit(account.Balance, loan.Amount)
	if err != nil {
		return nil, nil, err
	}
	account.Balance = newBalance

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, account.Balance, account.ID); err != nil {
		return nil, nil, fmt.Errorf("credit account %d: %w", account.ID, err)
	}
	if err := r.saveDecision(ctx, tx, loan); err != nil {
		return nil, nil, fmt.Errorf("update loan %d: %w", loan.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return loan, account, nil
}

// DenyLoan denies a pending loan. The account is not touched.
func (r *PostgresRepository) DenyLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := r.lockLoan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := loan.Deny(decidedBy, at); err != nil {
		return nil, err
	}
	if err := r.saveDecision(ctx, tx, loan); err != nil {
		return nil, fmt.Errorf("update loan %d: %w", loan.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return loan, nil
}
