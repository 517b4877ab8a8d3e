/**
 * @description
 * PostgreSQL queries of the account ledger.
 *
 * @notes
 * - Transfer locks both account rows with SELECT ... FOR UPDATE in ascending id
 *   order, so two opposite transfers between the same pair cannot deadlock.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

const pgAccountColumns = `a.id, a.iban, a.balance, a.owner_id, u.username, a.created_at`

func scanPgAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.IBAN, &a.Balance, &a.OwnerID, &a.Owner, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAccountsByOwner returns every account of a user ordered by id.
func (r *PostgresRepository) FindAccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+pgAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE a.owner_id = $1
		ORDER BY a.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// FindAccountByIBAN retrieves a single account.
func (r *PostgresRepository) FindAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error) {
	a, err := scanPgAccount(r.db.QueryRow(ctx, `
		SELECT `+pgAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE a.iban = $1
	`, iban))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}

// Transfer performs an atomic transfer between two accounts.
func (r *PostgresRepository) Transfer(ctx context.Context, fromIBAN, toIBAN string, amount int32) (*domain.TransferReceipt, error) {
	if fromIBAN == toIBAN {
		return nil, domain.ErrSameAccount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+pgAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE a.iban = ANY($1)
		ORDER BY a.id
		FOR UPDATE OF a
	`, []string{fromIBAN, toIBAN})
	if err != nil {
		return nil, err
	}
	var from, to *domain.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		switch a.IBAN {
		case fromIBAN:
			from = a
		case toIBAN:
			to = a
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if from == nil {
		return nil, fmt.Errorf("source %w", domain.ErrAccountNotFound)
	}
	if to == nil {
		return nil, fmt.Errorf("destination %w", domain.ErrAccountNotFound)
	}

	if err := domain.ApplyTransfer(from, to, amount); err != nil {
		return nil, err
	}

	for _, a := range []*domain.Account{from, to} {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, a.Balance, a.ID); err != nil {
			return nil, fmt.Errorf("update balance of account %d: %w", a.ID, err)
		}
	}

	receipt := &domain.TransferReceipt{
		FromIBAN:    from.IBAN,
		ToIBAN:      to.IBAN,
		Amount:      amount,
		FromBalance: from.Balance,
		ToBalance:   to.Balance,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transfers (from_account_id, to_account_id, amount)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, from.ID, to.ID, amount).Scan(&receipt.ID, &receipt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return receipt, nil
}
