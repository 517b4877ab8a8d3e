/**
 * @description
 * This file provides the SQLite implementation of the Repository interface,
 * used for local development and tests.
 *
 * @notes
 * - The pool is limited to one connection, so every transaction has exclusive
 *   access to the database. Queries issued while a transaction is open must go
 *   through that transaction or they would wait forever for the connection.
 * - Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate).
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

// SQLiteRepository is the SQLite implementation of the Repository interface.
type SQLiteRepository struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteRepository opens the database file at path, applies the schema and
// returns the repository.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ApplySQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Driver returns the store driver name.
func (r *SQLiteRepository) Driver() string { return DriverSQLite }

// Ping checks that the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() {
	r.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// CreateUserWithAccount inserts the user and its first account in one transaction.
func (r *SQLiteRepository) CreateUserWithAccount(ctx context.Context, user *domain.User, openingBalance int32) (*domain.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, given_name, family_name, birth_date, email, national_id, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.Username,
		user.PasswordHash,
		user.GivenName,
		user.FamilyName,
		user.BirthDate,
		user.Email,
		user.NationalID,
		string(user.Role),
		now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, domain.ErrDuplicateUser
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	user.CreatedAt = now

	account := &domain.Account{
		Balance:   openingBalance,
		OwnerID:   user.ID,
		Owner:     user.Username,
		CreatedAt: now,
	}
	// The IBAN embeds the generated id, so the row is inserted with a
	// placeholder that is unique per user and replaced right after.
	res, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (iban, balance, owner_id, created_at) VALUES (?, ?, ?, ?)
	`, fmt.Sprintf("pending-%d", user.ID), account.Balance, account.OwnerID, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if account.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	account.IBAN = domain.DeriveIBAN(user.Username, account.ID)
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET iban = ? WHERE id = ?`, account.IBAN, account.ID); err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, domain.ErrDuplicateUser
		}
		return nil, fmt.Errorf("set iban: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return account, nil
}

// FindUserByUsername retrieves a user by its unique username.
func (r *SQLiteRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	var role string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, given_name, family_name, birth_date, email, national_id, role, created_at
		FROM users
		WHERE username = ?
	`, username).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.GivenName,
		&u.FamilyName,
		&u.BirthDate,
		&u.Email,
		&u.NationalID,
		&role,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	u.Role = domain.Role(role)
	return &u, nil
}

// UpdateUserRole sets the role of an existing user.
func (r *SQLiteRepository) UpdateUserRole(ctx context.Context, username string, role domain.Role) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE username = ?`, string(role), username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

const sqliteAccountColumns = `a.id, a.iban, a.balance, a.owner_id, u.username, a.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.IBAN, &a.Balance, &a.OwnerID, &a.Owner, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func findSQLiteAccount(ctx context.Context, q querier, where string, arg any) (*domain.Account, error) {
	a, err := scanSQLiteAccount(q.QueryRowContext(ctx, `
		SELECT `+sqliteAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}

// FindAccountsByOwner returns every account of a user ordered by id.
func (r *SQLiteRepository) FindAccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteAccountColumns+`
		FROM accounts a
		JOIN users u ON u.id = a.owner_id
		WHERE a.owner_id = ?
		ORDER BY a.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// FindAccountByIBAN retrieves a single account.
func (r *SQLiteRepository) FindAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error) {
	return findSQLiteAccount(ctx, r.db, "a.iban = ?", iban)
}

// Transfer performs an atomic transfer between two accounts.
func (r *SQLiteRepository) Transfer(ctx context.Context, fromIBAN, toIBAN string, amount int32) (*domain.TransferReceipt, error) {
	if fromIBAN == toIBAN {
		return nil, domain.ErrSameAccount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	from, err := findSQLiteAccount(ctx, tx, "a.iban = ?", fromIBAN)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	to, err := findSQLiteAccount(ctx, tx, "a.iban = ?", toIBAN)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	if err := domain.ApplyTransfer(from, to, amount); err != nil {
		return nil, err
	}

	for _, a := range []*domain.Account{from, to} {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, a.Balance, a.ID); err != nil {
			return nil, fmt.Errorf("update balance of account %d: %w", a.ID, err)
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transfers (from_account_id, to_account_id, amount, created_at) VALUES (?, ?, ?, ?)
	`, from.ID, to.ID, amount, now)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.TransferReceipt{
		ID:          id,
		FromIBAN:    from.IBAN,
		ToIBAN:      to.IBAN,
		Amount:      amount,
		FromBalance: from.Balance,
		ToBalance:   to.Balance,
		CreatedAt:   now,
	}, nil
}

const sqliteLoanColumns = `l.id, l.account_id, a.iban, l.amount, l.term_months, l.status, l.created_at, l.decided_at, COALESCE(l.decided_by, '')`

func scanSQLiteLoan(row rowScanner) (*domain.Loan, error) {
	var l domain.Loan
	var status string
	var decidedAt sql.NullTime
	err := row.Scan(&l.ID, &l.AccountID, &l.IBAN, &l.Amount, &l.TermMonths, &status, &l.CreatedAt, &decidedAt, &l.DecidedBy)
	if err != nil {
		return nil, err
	}
	l.Status = domain.LoanStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		l.DecidedAt = &t
	}
	return &l, nil
}

func findSQLiteLoan(ctx context.Context, q querier, id int64) (*domain.Loan, error) {
	l, err := scanSQLiteLoan(q.QueryRowContext(ctx, `
		SELECT `+sqliteLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *SQLiteRepository) queryLoans(ctx context.Context, where string, args ...any) ([]domain.Loan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteLoanColumns+`
		FROM loans l
		JOIN accounts a ON a.id = l.account_id
		`+where+`
		ORDER BY l.id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		l, err := scanSQLiteLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// CreateLoan stores a new pending loan.
func (r *SQLiteRepository) CreateLoan(ctx context.Context, accountID int64, amount int32, termMonths int) (*domain.Loan, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO loans (account_id, amount, term_months, status, created_at) VALUES (?, ?, ?, ?, ?)
	`, accountID, amount, termMonths, string(domain.LoanPending), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return findSQLiteLoan(ctx, r.db, id)
}

// FindLoanByID retrieves a single loan.
func (r *SQLiteRepository) FindLoanByID(ctx context.Context, id int64) (*domain.Loan, error) {
	return findSQLiteLoan(ctx, r.db, id)
}

// FindLoansByOwner returns the loans of every account owned by a user.
func (r *SQLiteRepository) FindLoansByOwner(ctx context.Context, ownerID int64) ([]domain.Loan, error) {
	return r.queryLoans(ctx, "WHERE a.owner_id = ?", ownerID)
}

// FindAllLoans returns every loan.
func (r *SQLiteRepository) FindAllLoans(ctx context.Context) ([]domain.Loan, error) {
	return r.queryLoans(ctx, "")
}

func saveSQLiteDecision(ctx context.Context, tx *sql.Tx, l *domain.Loan) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE loans SET status = ?, decided_at = ?, decided_by = ? WHERE id = ?
	`, string(l.Status), l.DecidedAt.UTC(), l.DecidedBy, l.ID)
	return err
}

// ApproveLoan approves a pending loan and credits the loan amount to its account.
func (r *SQLiteRepository) ApproveLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, *domain.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	loan, err := findSQLiteLoan(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := loan.Approve(decidedBy, at); err != nil {
		return nil, nil, err
	}

	account, err := findSQLiteAccount(ctx, tx, "a.id = ?", loan.AccountID)
	if err != nil {
		return nil, nil, err
	}
	newBalance, err := domain.Credit(account.Balance, loan.Amount)
	if err != nil {
		return nil, nil, err
	}
	account.Balance = newBalance

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, account.Balance, account.ID); err != nil {
		return nil, nil, fmt.Errorf("credit account %d: %w", account.ID, err)
	}
	if err := saveSQLiteDecision(ctx, tx, loan); err != nil {
		return nil, nil, fmt.Errorf("update loan %d: %w", loan.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return loan, account, nil
}

// DenyLoan denies a pending loan. The account is not touched.
func (r *SQLiteRepository) DenyLoan(ctx context.Context, id int64, decidedBy string, at time.Time) (*domain.Loan, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := findSQLiteLoan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := loan.Deny(decidedBy, at); err != nil {
		return nil, err
	}
	if err := saveSQLiteDecision(ctx, tx, loan); err != nil {
		return nil, fmt.Errorf("update loan %d: %w", loan.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return loan, nil
}

// RecordEvent stores a consumed event once; redeliveries are ignored.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, event domain.BankEvent, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, event_type, actor, payload, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID.String(), event.Type, event.Actor, string(payload), event.OccurredAt.UTC(), time.Now().UTC())
	return err
}
