/**
 * @description
 * This file contains the core business logic of the bank. The Service
 * orchestrates authentication, the authorization policy and the repositories,
 * and publishes a domain event after every committed state change.
 *
 * @notes
 * - Identity comes only from a validated token; handlers never pass a
 *   caller-supplied username into the service.
 * - Publishing happens after the database commit. A failed publish is logged
 *   and never fails the request.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/fabio-anzola/websec-BadBank/internal/auth"
	"github.com/fabio-anzola/websec-BadBank/internal/domain"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
	"github.com/fabio-anzola/websec-BadBank/pkg/rabbitmq"
)

const publishTimeout = 5 * time.Second

// Options carries the tunables of the Service.
type Options struct {
	OpeningBalance int32
	ServiceName    string
	Version        string
}

// Service provides the business logic of the banking API.
type Service struct {
	repo           store.Repository
	tokens         *auth.TokenManager
	publisher      rabbitmq.Publisher
	logger         *slog.Logger
	openingBalance int32
	serviceName    string
	version        string
	startedAt      time.Time
	now            func() time.Time
}

// NewService creates a new Service.
func NewService(repo store.Repository, tokens *auth.TokenManager, publisher rabbitmq.Publisher, logger *slog.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if opts.OpeningBalance <= 0 {
		opts.OpeningBalance = domain.OpeningBalance
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "badbank"
	}
	return &Service{
		repo:           repo,
		tokens:         tokens,
		publisher:      publisher,
		logger:         logger,
		openingBalance: opts.OpeningBalance,
		serviceName:    opts.ServiceName,
		version:        opts.Version,
		startedAt:      time.Now().UTC(),
		now:            time.Now,
	}
}

// Register creates a customer together with its first account.
func (s *Service) Register(ctx context.Context, reg domain.Registration) (*domain.Account, error) {
	return s.register(ctx, reg, domain.RoleCustomer)
}

func (s *Service) register(ctx context.Context, reg domain.Registration, role domain.Role) (*domain.Account, error) {
	reg = reg.Normalize()
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Username:     reg.Username,
		PasswordHash: hash,
		GivenName:    reg.GivenName,
		FamilyName:   reg.FamilyName,
		BirthDate:    reg.BirthDate,
		Email:        reg.Email,
		NationalID:   reg.NationalID,
		Role:         role,
	}
	account, err := s.repo.CreateUserWithAccount(ctx, user, s.openingBalance)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "username", user.Username, "user_id", user.ID, "iban", account.IBAN, "role", role)
	event := domain.NewBankEvent(domain.EventUserRegistered, user.Username, s.now())
	event.IBAN = account.IBAN
	s.publish(ctx, event)
	return account, nil
}

// EnsureAdmin registers an administrator if no user with that name exists yet.
// An existing user is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password, email string) error {
	username = domain.NormalizeUsername(username)
	existing, err := s.repo.FindUserByUsername(ctx, username)
	if err == nil {
		if !existing.IsAdmin() {
			s.logger.Warn("bootstrap admin name is taken by a non-admin user; leaving it unchanged", "username", username)
		}
		return nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return err
	}

	if email == "" {
		email = username + "@badbank.local"
	}
	_, err = s.register(ctx, domain.Registration{
		Username:   username,
		Password:   password,
		GivenName:  "Bank",
		FamilyName: "Administrator",
		BirthDate:  "1970-01-01",
		Email:      email,
		NationalID: "0000000000",
	}, domain.RoleAdmin)
	return err
}

// Login checks the credentials and issues a session token.
func (s *Service) Login(ctx context.Context, username, password string) (auth.Token, error) {
	username = domain.NormalizeUsername(username)
	if username == "" || password == "" {
		return auth.Token{}, fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			auth.BurnPasswordCheck(password)
			s.logger.Info("login failed", "username", username, "reason", "unknown user")
			return auth.Token{}, domain.ErrInvalidCredentials
		}
		return auth.Token{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		s.logger.Info("login failed", "username", username, "reason", "wrong password")
		return auth.Token{}, domain.ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return auth.Token{}, err
	}
	s.logger.Info("user logged in", "username", user.Username)
	return token, nil
}

// Authenticate validates a bearer token and resolves the caller. The role is
// read from the current user record so that a revoked admin capability takes
// effect immediately.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (Caller, error) {
	claims, err := s.tokens.Validate(ctx, rawToken)
	if err != nil {
		return Caller{}, err
	}

	user, err := s.repo.FindUserByUsername(ctx, claims.Username())
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return Caller{}, domain.ErrInvalidToken
		}
		return Caller{}, err
	}
	if user.ID != claims.UserID {
		return Caller{}, domain.ErrInvalidToken
	}

	caller := Caller{
		Username: user.Username,
		UserID:   user.ID,
		Role:     user.Role,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		caller.ExpiresAt = claims.ExpiresAt.Time
	}
	return caller, nil
}

// Logout revokes the caller's session token.
func (s *Service) Logout(ctx context.Context, caller Caller) error {
	if err := s.tokens.Revoke(ctx, caller.TokenID, caller.ExpiresAt); err != nil {
		return err
	}
	s.logger.Info("session revoked", "username", caller.Username)
	s.publish(ctx, domain.NewBankEvent(domain.EventSessionRevoked, caller.Username, s.now()))
	return nil
}

// ListAccounts returns the accounts owned by the caller.
func (s *Service) ListAccounts(ctx context.Context, caller Caller) ([]domain.Account, error) {
	accounts, err := s.repo.FindAccountsByOwner(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return accounts, nil
}

// GetAccount returns a single account if the caller may read it.
func (s *Service) GetAccount(ctx context.Context, caller Caller, iban string) (*domain.Account, error) {
	return s.accountFor(ctx, caller, domain.NormalizeIBAN(iban), ActionReadAccount)
}

// accountFor loads the account an action is applied to. Callers without
// access get ErrForbidden whether or not the account exists, so foreign IBANs
// cannot be probed.
func (s *Service) accountFor(ctx context.Context, caller Caller, iban string, action Action) (*domain.Account, error) {
	account, err := s.repo.FindAccountByIBAN(ctx, iban)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		if CanAccess(caller, Resource{}, action) {
			return nil, err
		}
	case err != nil:
		return nil, err
	case CanAccess(caller, AccountResource(account), action):
		return account, nil
	}
	s.logger.Warn("account access denied", "username", caller.Username, "iban", iban, "action", string(action))
	return nil, domain.ErrForbidden
}

// Transfer moves money from an account of the caller to any other account.
func (s *Service) Transfer(ctx context.Context, caller Caller, fromIBAN, toIBAN string, amount int64) (*domain.TransferReceipt, error) {
	value, err := domain.ValidateAmount(amount)
	if err != nil {
		return nil, err
	}
	fromIBAN = domain.NormalizeIBAN(fromIBAN)
	toIBAN = domain.NormalizeIBAN(toIBAN)
	if fromIBAN == "" || toIBAN == "" {
		return nil, fmt.Errorf("%w: from and to are required", domain.ErrValidation)
	}
	if fromIBAN == toIBAN {
		return nil, domain.ErrSameAccount
	}

	// The owner of an account never changes, so checking it before the
	// locking transaction is sufficient.
	if _, err := s.accountFor(ctx, caller, fromIBAN, ActionDebitAccount); err != nil {
		return nil, err
	}
	if _, err := s.repo.FindAccountByIBAN(ctx, toIBAN); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	receipt, err := s.repo.Transfer(ctx, fromIBAN, toIBAN, value)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer completed", "username", caller.Username, "transfer_id", receipt.ID, "from", receipt.FromIBAN, "to", receipt.ToIBAN, "amount", receipt.Amount)
	event := domain.NewBankEvent(domain.EventTransferCompleted, caller.Username, s.now())
	event.IBAN = receipt.FromIBAN
	event.ToIBAN = receipt.ToIBAN
	event.Amount = receipt.Amount
	event.TransferID = receipt.ID
	s.publish(ctx, event)
	return receipt, nil
}

// RequestLoan files a pending loan for an account of the caller.
func (s *Service) RequestLoan(ctx context.Context, caller Caller, iban string, amount int64, termMonths int) (*domain.Loan, error) {
	req, err := domain.NewLoanRequest(iban, amount, termMonths)
	if err != nil {
		return nil, err
	}

	account, err := s.accountFor(ctx, caller, req.IBAN, ActionRequestLoan)
	if err != nil {
		return nil, err
	}

	loan, err := s.repo.CreateLoan(ctx, account.ID, req.Amount, req.TermMonths)
	if err != nil {
		return nil, err
	}

	s.logger.Info("loan requested", "username", caller.Username, "loan_id", loan.ID, "iban", loan.IBAN, "amount", loan.Amount)
	event := domain.NewBankEvent(domain.EventLoanRequested, caller.Username, s.now())
	event.IBAN = loan.IBAN
	event.Amount = loan.Amount
	event.LoanID = loan.ID
	event.Status = loan.Status
	s.publish(ctx, event)
	return loan, nil
}

// ApproveLoan approves a pending loan and credits its account. Admin only.
func (s *Service) ApproveLoan(ctx context.Context, caller Caller, loanID int64) (*domain.Loan, error) {
	if !CanAccess(caller, Resource{}, ActionDecideLoan) {
		s.logger.Warn("loan approval denied", "username", caller.Username, "loan_id", loanID)
		return nil, domain.ErrForbidden
	}

	loan, account, err := s.repo.ApproveLoan(ctx, loanID, caller.Username, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("loan approved", "admin", caller.Username, "loan_id", loan.ID, "iban", account.IBAN, "amount", loan.Amount)
	s.publishDecision(ctx, domain.EventLoanApproved, caller, loan)
	return loan, nil
}

// DenyLoan denies a pending loan. Admin only.
func (s *Service) DenyLoan(ctx context.Context, caller Caller, loanID int64) (*domain.Loan, error) {
	if !CanAccess(caller, Resource{}, ActionDecideLoan) {
		s.logger.Warn("loan denial denied", "username", caller.Username, "loan_id", loanID)
		return nil, domain.ErrForbidden
	}

	loan, err := s.repo.DenyLoan(ctx, loanID, caller.Username, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("loan denied", "admin", caller.Username, "loan_id", loan.ID)
	s.publishDecision(ctx, domain.EventLoanDenied, caller, loan)
	return loan, nil
}

// ListLoans returns the loans on the caller's accounts, or every loan for admins.
func (s *Service) ListLoans(ctx context.Context, caller Caller) ([]domain.Loan, error) {
	var (
		loans []domain.Loan
		err   error
	)
	if CanAccess(caller, Resource{}, ActionReadAllLoans) {
		loans, err = s.repo.FindAllLoans(ctx)
	} else {
		loans, err = s.repo.FindLoansByOwner(ctx, caller.UserID)
	}
	if err != nil {
		return nil, err
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	return loans, nil
}

// Diagnostics is a static health report for administrators.
type Diagnostics struct {
	Service        string    `json:"service"`
	Version        string    `json:"version"`
	GoVersion      string    `json:"go_version"`
	StoreDriver    string    `json:"store_driver"`
	StoreReachable bool      `json:"store_reachable"`
	StartedAt      time.Time `json:"started_at"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
}

// Diagnostics returns the diagnostics report. Admin only.
func (s *Service) Diagnostics(ctx context.Context, caller Caller) (Diagnostics, error) {
	if !CanAccess(caller, Resource{}, ActionReadDiagnostics) {
		return Diagnostics{}, domain.ErrForbidden
	}
	return Diagnostics{
		Service:        s.serviceName,
		Version:        s.version,
		GoVersion:      runtime.Version(),
		StoreDriver:    s.repo.Driver(),
		StoreReachable: s.repo.Ping(ctx) == nil,
		StartedAt:      s.startedAt,
		UptimeSeconds:  int64(s.now().Sub(s.startedAt).Seconds()),
	}, nil
}

func (s *Service) publishDecision(ctx context.Context, eventType string, caller Caller, loan *domain.Loan) {
	event := domain.NewBankEvent(eventType, caller.Username, s.now())
	event.IBAN = loan.IBAN
	event.Amount = loan.Amount
	event.LoanID = loan.ID
	event.Status = loan.Status
	s.publish(ctx, event)
}

func (s *Service) publish(ctx context.Context, event domain.BankEvent) {
	// The request context may already be close to its deadline.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event.Type, event); err != nil {
		s.logger.Warn("failed to publish event", "event_type", event.Type, "event_id", event.EventID, "error", err)
	}
}
