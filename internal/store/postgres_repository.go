/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository interface:
 * connection handling, the credential store and the audit trail. Account and
 * loan queries live in postgres_account_repository.go and
 * postgres_loan_repository.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models and sentinel errors.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is the concrete PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Driver returns the store driver name.
func (r *PostgresRepository) Driver() string { return DriverPostgres }

// Ping checks that the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.db.Close()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateUserWithAccount inserts the user and its first account in one transaction.
// The account id is reserved from the sequence first because the IBAN embeds it.
func (r *PostgresRepository) CreateUserWithAccount(ctx context.Context, user *domain.User, openingBalance int32) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, given_name, family_name, birth_date, email, national_id, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`,
		user.Username,
		user.PasswordHash,
		user.GivenName,
		user.FamilyName,
		user.BirthDate,
		user.Email,
		user.NationalID,
		user.Role,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, domain.ErrDuplicateUser
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	account := &domain.Account{
		Balance: openingBalance,
		OwnerID: user.ID,
		Owner:   user.Username,
	}
	if err := tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('accounts', 'id'))`).Scan(&account.ID); err != nil {
		return nil, fmt.Errorf("reserve account id: %w", err)
	}
	account.IBAN = domain.DeriveIBAN(user.Username, account.ID)

	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, iban, balance, owner_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, account.ID, account.IBAN, account.Balance, account.OwnerID).Scan(&account.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, domain.ErrDuplicateUser
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// FindUserByUsername retrieves a user by its unique username.
func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, given_name, family_name, birth_date, email, national_id, role, created_at
		FROM users
		WHERE username = $1
	`
	var u domain.User
	err := r.db.QueryRow(ctx, query, username).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.GivenName,
		&u.FamilyName,
		&u.BirthDate,
		&u.Email,
		&u.NationalID,
		&u.Role,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpdateUserRole sets the role of an existing user.
func (r *PostgresRepository) UpdateUserRole(ctx context.Context, username string, role domain.Role) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET role = $1 WHERE username = $2`, role, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// RecordEvent stores a consumed event once; redeliveries are ignored.
func (r *PostgresRepository) RecordEvent(ctx context.Context, event domain.BankEvent, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_events (event_id, event_type, actor, payload, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.Type, event.Actor, string(payload), event.OccurredAt, time.Now().UTC())
	return err
}
