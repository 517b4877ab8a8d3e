package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fabio-anzola/websec-BadBank/internal/auth"
	"github.com/fabio-anzola/websec-BadBank/internal/domain"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BankEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.BankEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc       *Service
	repo      *store.SQLiteRepository
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "badbank.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository returned error: %v", err)
	}
	t.Cleanup(repo.Close)

	tokens, err := auth.NewTokenManager(testSecret, "badbank", 30*time.Minute, auth.NewMemoryRevocationStore())
	if err != nil {
		t.Fatalf("NewTokenManager returned error: %v", err)
	}
	publisher := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, tokens, publisher, logger, Options{OpeningBalance: domain.OpeningBalance, Version: "test"})
	return &testEnv{svc: svc, repo: repo, publisher: publisher}
}

func registration(username string) domain.Registration {
	return domain.Registration{
		Username:   username,
		Password:   "password-" + username,
		GivenName:  "Given",
		FamilyName: "Family",
		BirthDate:  "1990-01-01",
		Email:      username + "@example.com",
		NationalID: "1234010190",
	}
}

func (e *testEnv) registerAndLogin(t *testing.T, username string) (Caller, *domain.Account) {
	t.Helper()
	ctx := context.Background()
	account, err := e.svc.Register(ctx, registration(username))
	if err != nil {
		t.Fatalf("Register(%s) returned error: %v", username, err)
	}
	return e.login(t, username), account
}

func (e *testEnv) login(t *testing.T, username string) Caller {
	t.Helper()
	ctx := context.Background()
	token, err := e.svc.Login(ctx, username, "password-"+username)
	if err != nil {
		t.Fatalf("Login(%s) returned error: %v", username, err)
	}
	caller, err := e.svc.Authenticate(ctx, token.Value)
	if err != nil {
		t.Fatalf("Authenticate(%s) returned error: %v", username, err)
	}
	return caller
}

func (e *testEnv) balance(t *testing.T, iban string) int32 {
	t.Helper()
	account, err := e.repo.FindAccountByIBAN(context.Background(), iban)
	if err != nil {
		t.Fatalf("FindAccountByIBAN(%s) returned error: %v", iban, err)
	}
	return account.Balance
}

func TestScenario_TransferAndLoanApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob, bobAccount := env.registerAndLogin(t, "bob")
	_, aliceAccount := env.registerAndLogin(t, "alice")
	if err := env.svc.EnsureAdmin(ctx, "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	admin := env.loginAs(t, "root", "root-password")

	if bobAccount.Balance != 10000 || aliceAccount.Balance != 10000 {
		t.Fatalf("expected opening balances of 10000, got %d/%d", bobAccount.Balance, aliceAccount.Balance)
	}

	if _, err := env.svc.Transfer(ctx, bob, bobAccount.IBAN, aliceAccount.IBAN, 500); err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 9500 {
		t.Fatalf("expected bob 9500, got %d", got)
	}
	if got := env.balance(t, aliceAccount.IBAN); got != 10500 {
		t.Fatalf("expected alice 10500, got %d", got)
	}

	if _, err := env.svc.Transfer(ctx, bob, bobAccount.IBAN, aliceAccount.IBAN, -100); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 9500 {
		t.Fatalf("expected rejected transfer to leave bob at 9500, got %d", got)
	}

	loan, err := env.svc.RequestLoan(ctx, bob, bobAccount.IBAN, 2000, 12)
	if err != nil {
		t.Fatalf("RequestLoan returned error: %v", err)
	}
	if _, err := env.svc.ApproveLoan(ctx, bob, loan.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected customer approval to be forbidden, got %v", err)
	}
	if _, err := env.svc.ApproveLoan(ctx, admin, loan.ID); err != nil {
		t.Fatalf("ApproveLoan returned error: %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 11500 {
		t.Fatalf("expected bob 11500 after loan, got %d", got)
	}
	if _, err := env.svc.ApproveLoan(ctx, admin, loan.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second approval, got %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 11500 {
		t.Fatalf("expected second approval to leave bob at 11500, got %d", got)
	}

	want := []string{
		domain.EventUserRegistered,
		domain.EventUserRegistered,
		domain.EventUserRegistered,
		domain.EventTransferCompleted,
		domain.EventLoanRequested,
		domain.EventLoanApproved,
	}
	got := env.publisher.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func (e *testEnv) loginAs(t *testing.T, username, password string) Caller {
	t.Helper()
	token, err := e.svc.Login(context.Background(), username, password)
	if err != nil {
		t.Fatalf("Login(%s) returned error: %v", username, err)
	}
	caller, err := e.svc.Authenticate(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("Authenticate(%s) returned error: %v", username, err)
	}
	return caller
}

func TestRegisterRejectsDuplicatesAndInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Register(ctx, registration("bob")); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if _, err := env.svc.Register(ctx, registration("bob")); !errors.Is(err, domain.ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}

	sameEmail := registration("robert")
	sameEmail.Email = "BOB@example.com"
	if _, err := env.svc.Register(ctx, sameEmail); !errors.Is(err, domain.ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser for reused email, got %v", err)
	}

	short := registration("carol")
	short.Password = "123"
	if _, err := env.svc.Register(ctx, short); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	user, err := env.repo.FindUserByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("FindUserByUsername returned error: %v", err)
	}
	if user.PasswordHash == "password-bob" {
		t.Fatalf("expected password to be stored hashed")
	}
	if user.Role != domain.RoleCustomer {
		t.Fatalf("expected customer role, got %s", user.Role)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAndLogin(t, "bob")

	if _, err := env.svc.Login(ctx, "bob", "wrong-password"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := env.svc.Login(ctx, "nobody", "whatever-password"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := env.svc.Login(ctx, "bob' OR '1'='1", "x"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for injection attempt, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAndLogin(t, "bob")

	token, err := env.svc.Login(ctx, "bob", "password-bob")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	caller, err := env.svc.Authenticate(ctx, token.Value)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if err := env.svc.Logout(ctx, caller); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, token.Value); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
}

func TestAuthenticateUsesCurrentRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAndLogin(t, "bob")

	token, err := env.svc.Login(ctx, "bob", "password-bob")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if err := env.repo.UpdateUserRole(ctx, "bob", domain.RoleAdmin); err != nil {
		t.Fatalf("UpdateUserRole returned error: %v", err)
	}
	caller, err := env.svc.Authenticate(ctx, token.Value)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if !caller.IsAdmin() {
		t.Fatalf("expected role change to apply to existing token")
	}
}

func TestAccountAccessIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob, bobAccount := env.registerAndLogin(t, "bob")
	alice, aliceAccount := env.registerAndLogin(t, "alice")

	accounts, err := env.svc.ListAccounts(ctx, bob)
	if err != nil {
		t.Fatalf("ListAccounts returned error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].IBAN != bobAccount.IBAN {
		t.Fatalf("expected only bob's account, got %+v", accounts)
	}

	if _, err := env.svc.GetAccount(ctx, alice, bobAccount.IBAN); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading another account, got %v", err)
	}
	if _, err := env.svc.GetAccount(ctx, bob, "BB00NOBODY0000000042"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for an unknown account, got %v", err)
	}

	if _, err := env.svc.Transfer(ctx, alice, bobAccount.IBAN, aliceAccount.IBAN, 100); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden debiting another account, got %v", err)
	}
	if _, err := env.svc.RequestLoan(ctx, alice, bobAccount.IBAN, 100, 6); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden requesting a loan on another account, got %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 10000 {
		t.Fatalf("expected bob's balance to be untouched, got %d", got)
	}
}

func TestUnknownAndForeignAccountsLookAlike(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, bobAccount := env.registerAndLogin(t, "bob")
	alice, aliceAccount := env.registerAndLogin(t, "alice")
	const unknown = "BB00NOBODY0000000042"

	for _, iban := range []string{bobAccount.IBAN, unknown} {
		if _, err := env.svc.GetAccount(ctx, alice, iban); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("GetAccount(%s): expected ErrForbidden, got %v", iban, err)
		}
		if _, err := env.svc.Transfer(ctx, alice, iban, aliceAccount.IBAN, 1); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("Transfer from %s: expected ErrForbidden, got %v", iban, err)
		}
		if _, err := env.svc.RequestLoan(ctx, alice, iban, 100, 6); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("RequestLoan(%s): expected ErrForbidden, got %v", iban, err)
		}
	}

	if err := env.svc.EnsureAdmin(ctx, "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	admin := env.loginAs(t, "root", "root-password")
	if _, err := env.svc.GetAccount(ctx, admin, unknown); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for admin, got %v", err)
	}
	if _, err := env.svc.GetAccount(ctx, admin, bobAccount.IBAN); err != nil {
		t.Fatalf("expected admin to read any account, got %v", err)
	}
}

func TestTransferValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob, bobAccount := env.registerAndLogin(t, "bob")
	_, aliceAccount := env.registerAndLogin(t, "alice")

	tests := []struct {
		name    string
		from    string
		to      string
		amount  int64
		wantErr error
	}{
		{name: "zero amount", from: bobAccount.IBAN, to: aliceAccount.IBAN, amount: 0, wantErr: domain.ErrInvalidAmount},
		{name: "amount beyond int32", from: bobAccount.IBAN, to: aliceAccount.IBAN, amount: 1 << 32, wantErr: domain.ErrInvalidAmount},
		{name: "same account", from: bobAccount.IBAN, to: bobAccount.IBAN, amount: 1, wantErr: domain.ErrSameAccount},
		{name: "missing destination", from: bobAccount.IBAN, to: "BB00NOBODY0000000042", amount: 1, wantErr: domain.ErrAccountNotFound},
		{name: "missing source", from: "BB00NOBODY0000000042", to: aliceAccount.IBAN, amount: 1, wantErr: domain.ErrForbidden},
		{name: "insufficient funds", from: bobAccount.IBAN, to: aliceAccount.IBAN, amount: 10001, wantErr: domain.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Transfer(ctx, bob, tt.from, tt.to, tt.amount); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if env.balance(t, bobAccount.IBAN) != 10000 || env.balance(t, aliceAccount.IBAN) != 10000 {
		t.Fatalf("expected rejected transfers to leave balances unchanged")
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob, bobAccount := env.registerAndLogin(t, "bob")
	alice, aliceAccount := env.registerAndLogin(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.svc.Transfer(ctx, bob, bobAccount.IBAN, aliceAccount.IBAN, 900)
		}()
		go func() {
			defer wg.Done()
			_, _ = env.svc.Transfer(ctx, alice, aliceAccount.IBAN, bobAccount.IBAN, 400)
		}()
	}
	wg.Wait()

	total := int64(env.balance(t, bobAccount.IBAN)) + int64(env.balance(t, aliceAccount.IBAN))
	if total != 20000 {
		t.Fatalf("expected total 20000, got %d", total)
	}
	if env.balance(t, bobAccount.IBAN) < 0 || env.balance(t, aliceAccount.IBAN) < 0 {
		t.Fatalf("expected balances to stay non-negative")
	}
}

func TestDenyLoanIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob, bobAccount := env.registerAndLogin(t, "bob")
	if err := env.svc.EnsureAdmin(ctx, "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	admin := env.loginAs(t, "root", "root-password")

	loan, err := env.svc.RequestLoan(ctx, bob, bobAccount.IBAN, 5000, 24)
	if err != nil {
		t.Fatalf("RequestLoan returned error: %v", err)
	}
	if _, err := env.svc.DenyLoan(ctx, bob, loan.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for customer denial, got %v", err)
	}
	if _, err := env.svc.DenyLoan(ctx, admin, loan.ID); err != nil {
		t.Fatalf("DenyLoan returned error: %v", err)
	}
	if _, err := env.svc.ApproveLoan(ctx, admin, loan.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState approving a denied loan, got %v", err)
	}
	if got := env.balance(t, bobAccount.IBAN); got != 10000 {
		t.Fatalf("expected denied loan to leave balance at 10000, got %d", got)
	}
	if _, err := env.svc.ApproveLoan(ctx, admin, 9999); !errors.Is(err, domain.ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}

	bobLoans, err := env.svc.ListLoans(ctx, bob)
	if err != nil {
		t.Fatalf("ListLoans returned error: %v", err)
	}
	if len(bobLoans) != 1 || bobLoans[0].Status != domain.LoanDenied {
		t.Fatalf("expected one denied loan, got %+v", bobLoans)
	}

	adminLoans, err := env.svc.ListLoans(ctx, admin)
	if err != nil {
		t.Fatalf("ListLoans returned error: %v", err)
	}
	if len(adminLoans) != 1 {
		t.Fatalf("expected admin to see every loan, got %d", len(adminLoans))
	}
}

func TestLoanRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob, bobAccount := env.registerAndLogin(t, "bob")

	if _, err := env.svc.RequestLoan(ctx, bob, bobAccount.IBAN, 0, 12); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.svc.RequestLoan(ctx, bob, bobAccount.IBAN, 100, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDiagnosticsIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob, _ := env.registerAndLogin(t, "bob")

	if _, err := env.svc.Diagnostics(ctx, bob); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := env.svc.EnsureAdmin(ctx, "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	admin := env.loginAs(t, "root", "root-password")
	diag, err := env.svc.Diagnostics(ctx, admin)
	if err != nil {
		t.Fatalf("Diagnostics returned error: %v", err)
	}
	if diag.StoreDriver != store.DriverSQLite || !diag.StoreReachable || diag.Version != "test" {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.svc.EnsureAdmin(ctx, "root", "root-password", ""); err != nil {
			t.Fatalf("EnsureAdmin returned error: %v", err)
		}
	}
	user, err := env.repo.FindUserByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("FindUserByUsername returned error: %v", err)
	}
	if !user.IsAdmin() {
		t.Fatalf("expected bootstrap user to be admin")
	}
}
