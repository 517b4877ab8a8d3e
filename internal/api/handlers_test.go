package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fabio-anzola/websec-BadBank/internal/app"
	"github.com/fabio-anzola/websec-BadBank/internal/auth"
	"github.com/fabio-anzola/websec-BadBank/internal/domain"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
	ratelimit "github.com/fabio-anzola/websec-BadBank/pkg/middleware"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	router  *chi.Mux
	service *app.Service
}

func newTestServer(t *testing.T, loginLimit int) *testServer {
	t.Helper()
	return newTestServerWithProxies(t, loginLimit, nil)
}

func newTestServerWithProxies(t *testing.T, loginLimit int, trustedProxies []netip.Prefix) *testServer {
	t.Helper()
	ctx := context.Background()

	repo, err := store.NewSQLiteRepository(ctx, filepath.Join(t.TempDir(), "badbank.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository returned error: %v", err)
	}
	t.Cleanup(repo.Close)

	tokens, err := auth.NewTokenManager(testSecret, "badbank", 30*time.Minute, auth.NewMemoryRevocationStore())
	if err != nil {
		t.Fatalf("NewTokenManager returned error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := app.NewService(repo, tokens, nil, logger, app.Options{Version: "test"})

	limiter := ratelimit.NewRateLimiter(loginLimit, time.Minute)
	t.Cleanup(limiter.Stop)

	router := NewRouter(NewHandlers(service, logger), RouterOptions{
		Authenticator:  service,
		LoginLimiter:   limiter,
		RequestTimeout: 5 * time.Second,
		TrustedProxies: trustedProxies,
		Logger:         logger,
	})
	return &testServer{router: router, service: service}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func registerBody(username string) map[string]string {
	return map[string]string{
		"username": username,
		"password": "password-" + username,
		"vorname":  "Given",
		"nachname": "Family",
		"gebdatum": "1990-01-01",
		"email":    username + "@example.com",
		"svnummer": "1234010190",
	}
}

func (s *testServer) registerAndLogin(t *testing.T, username string) (token, iban string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/register", "", registerBody(username))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", username, rec.Code, rec.Body.String())
	}
	var registered registerResponse
	decodeBody(t, rec, &registered)
	return s.login(t, username, "password-"+username), registered.IBAN
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/login", "", map[string]string{"username": username, "password": password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" || resp.TokenType != "Bearer" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	return resp.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 10)
	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "healthy" {
		t.Fatalf("expected healthy, got %q", rec.Body.String())
	}
}

func TestRegisterLoginAndListAccounts(t *testing.T) {
	srv := newTestServer(t, 10)
	token, iban := srv.registerAndLogin(t, "bob")

	rec := srv.do(t, http.MethodGet, "/account", token, nil)
	expectStatus(t, rec, http.StatusOK)

	var accounts []map[string]interface{}
	decodeBody(t, rec, &accounts)
	if len(accounts) != 1 {
		t.Fatalf("expected one account, got %d", len(accounts))
	}
	if accounts[0]["IBAN"] != iban || accounts[0]["kontostand"] != float64(10000) || accounts[0]["owner"] != "bob" {
		t.Fatalf("unexpected account payload: %v", accounts[0])
	}

	rec = srv.do(t, http.MethodPost, "/register", "", registerBody("bob"))
	expectStatus(t, rec, http.StatusConflict)

	invalid := registerBody("carol")
	invalid["gebdatum"] = "01.01.1990"
	rec = srv.do(t, http.MethodPost, "/register", "", invalid)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = srv.do(t, http.MethodPost, "/register", "", "{not json")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t, 10)
	srv.registerAndLogin(t, "bob")

	wrongPassword := srv.do(t, http.MethodPost, "/login", "", map[string]string{"username": "bob", "password": "nope-nope-nope"})
	expectStatus(t, wrongPassword, http.StatusUnauthorized)
	unknownUser := srv.do(t, http.MethodPost, "/login", "", map[string]string{"username": "mallory", "password": "nope-nope-nope"})
	expectStatus(t, unknownUser, http.StatusUnauthorized)

	if wrongPassword.Body.String() != unknownUser.Body.String() {
		t.Fatalf("expected identical bodies, got %q and %q", wrongPassword.Body.String(), unknownUser.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, 10)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic Ym9iOnBhc3N3b3Jk"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/account", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)
			expectStatus(t, rec, http.StatusUnauthorized)

			var body errorResponse
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Fatalf("expected error message in body")
			}
		})
	}
}

func TestAccountReadIsOwnerOnly(t *testing.T) {
	srv := newTestServer(t, 10)
	bobToken, bobIBAN := srv.registerAndLogin(t, "bob")
	aliceToken, _ := srv.registerAndLogin(t, "alice")

	expectStatus(t, srv.do(t, http.MethodGet, "/account/"+bobIBAN, bobToken, nil), http.StatusOK)
	expectStatus(t, srv.do(t, http.MethodGet, "/account/"+bobIBAN, aliceToken, nil), http.StatusForbidden)
	expectStatus(t, srv.do(t, http.MethodGet, "/account/BB00NOBODY0000000042", bobToken, nil), http.StatusForbidden)
}

func TestTransferEndpoint(t *testing.T) {
	srv := newTestServer(t, 10)
	bobToken, bobIBAN := srv.registerAndLogin(t, "bob")
	aliceToken, aliceIBAN := srv.registerAndLogin(t, "alice")

	rec := srv.do(t, http.MethodPost, "/transfer", bobToken, map[string]interface{}{"from": bobIBAN, "to": aliceIBAN, "amount": 500})
	expectStatus(t, rec, http.StatusOK)
	var receipt transferResponse
	decodeBody(t, rec, &receipt)
	if receipt.TransferID == 0 {
		t.Fatalf("expected a transfer id, got %+v", receipt)
	}

	tests := []struct {
		name  string
		token string
		body  interface{}
		want  int
	}{
		{name: "negative amount", token: bobToken, body: map[string]interface{}{"from": bobIBAN, "to": aliceIBAN, "amount": -100}, want: http.StatusBadRequest},
		{name: "amount as string", token: bobToken, body: `{"from":"` + bobIBAN + `","to":"` + aliceIBAN + `","amount":"100"}`, want: http.StatusBadRequest},
		{name: "same account", token: bobToken, body: map[string]interface{}{"from": bobIBAN, "to": bobIBAN, "amount": 1}, want: http.StatusBadRequest},
		{name: "insufficient funds", token: bobToken, body: map[string]interface{}{"from": bobIBAN, "to": aliceIBAN, "amount": 1000000}, want: http.StatusUnprocessableEntity},
		{name: "foreign source account", token: aliceToken, body: map[string]interface{}{"from": bobIBAN, "to": aliceIBAN, "amount": 1}, want: http.StatusForbidden},
		{name: "unknown destination", token: bobToken, body: map[string]interface{}{"from": bobIBAN, "to": "BB00NOBODY0000000042", "amount": 1}, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, srv.do(t, http.MethodPost, "/transfer", tt.token, tt.body), tt.want)
		})
	}

	rec = srv.do(t, http.MethodGet, "/account/"+bobIBAN, bobToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var account accountResponse
	decodeBody(t, rec, &account)
	if account.Balance != 9500 {
		t.Fatalf("expected bob's balance to be 9500, got %d", account.Balance)
	}
}

func TestLoanWorkflow(t *testing.T) {
	srv := newTestServer(t, 10)
	bobToken, bobIBAN := srv.registerAndLogin(t, "bob")
	if err := srv.service.EnsureAdmin(context.Background(), "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	adminToken := srv.login(t, "root", "root-password")

	rec := srv.do(t, http.MethodPost, "/loan/request", bobToken, map[string]interface{}{"iban": bobIBAN, "amount": 2000, "laufzeit": 12})
	expectStatus(t, rec, http.StatusCreated)
	var created loanCreatedResponse
	decodeBody(t, rec, &created)
	approvePath := "/loan/" + strconv.FormatInt(created.LoanID, 10) + "/approve"

	expectStatus(t, srv.do(t, http.MethodPost, approvePath, bobToken, nil), http.StatusForbidden)
	expectStatus(t, srv.do(t, http.MethodPost, approvePath, adminToken, nil), http.StatusOK)
	expectStatus(t, srv.do(t, http.MethodPost, approvePath, adminToken, nil), http.StatusConflict)
	expectStatus(t, srv.do(t, http.MethodPost, "/loan/"+strconv.FormatInt(created.LoanID, 10)+"/deny", adminToken, nil), http.StatusConflict)
	expectStatus(t, srv.do(t, http.MethodPost, "/loan/abc/approve", adminToken, nil), http.StatusBadRequest)
	expectStatus(t, srv.do(t, http.MethodPost, "/loan/9999/approve", adminToken, nil), http.StatusNotFound)

	rec = srv.do(t, http.MethodGet, "/account/"+bobIBAN, bobToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var account accountResponse
	decodeBody(t, rec, &account)
	if account.Balance != 12000 {
		t.Fatalf("expected bob's balance to be 12000, got %d", account.Balance)
	}

	rec = srv.do(t, http.MethodGet, "/loans", bobToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var loans []loanResponse
	decodeBody(t, rec, &loans)
	if len(loans) != 1 || loans[0].Status != "approved" || loans[0].TermMonths != 12 {
		t.Fatalf("unexpected loans payload: %+v", loans)
	}

	expectStatus(t, srv.do(t, http.MethodPost, "/loan/request", bobToken, map[string]interface{}{"iban": bobIBAN, "amount": 100, "laufzeit": 0}), http.StatusBadRequest)
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t, 10)
	token, _ := srv.registerAndLogin(t, "bob")

	expectStatus(t, srv.do(t, http.MethodPost, "/logout", token, nil), http.StatusOK)
	expectStatus(t, srv.do(t, http.MethodGet, "/account", token, nil), http.StatusUnauthorized)
}

func TestDiagnosticsRequiresAdmin(t *testing.T) {
	srv := newTestServer(t, 10)
	bobToken, _ := srv.registerAndLogin(t, "bob")
	if err := srv.service.EnsureAdmin(context.Background(), "root", "root-password", ""); err != nil {
		t.Fatalf("EnsureAdmin returned error: %v", err)
	}
	adminToken := srv.login(t, "root", "root-password")

	expectStatus(t, srv.do(t, http.MethodGet, "/admin/diagnostics", bobToken, nil), http.StatusForbidden)

	rec := srv.do(t, http.MethodGet, "/admin/diagnostics", adminToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var diag app.Diagnostics
	decodeBody(t, rec, &diag)
	if diag.StoreDriver != store.DriverSQLite || !diag.StoreReachable {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	srv := newTestServer(t, 2)
	body := map[string]string{"username": "bob", "password": "whatever-password"}

	expectStatus(t, srv.do(t, http.MethodPost, "/login", "", body), http.StatusUnauthorized)
	expectStatus(t, srv.do(t, http.MethodPost, "/login", "", body), http.StatusUnauthorized)

	rec := srv.do(t, http.MethodPost, "/login", "", body)
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func loginFrom(t *testing.T, srv *testServer, remoteAddr, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"bob","password":"whatever-password"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestLoginRateLimitIgnoresSpoofedForwardingHeaders(t *testing.T) {
	srv := newTestServer(t, 2)

	limited := 0
	for i := 0; i < 20; i++ {
		if loginFrom(t, srv, "203.0.113.7:40000", fmt.Sprintf("10.0.0.%d", i)) == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 18 {
		t.Fatalf("expected 18 of 20 attempts to be rate limited, got %d", limited)
	}
}

func TestLoginRateLimitBehindTrustedProxy(t *testing.T) {
	srv := newTestServerWithProxies(t, 1, []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")})

	if code := loginFrom(t, srv, "192.0.2.10:5000", "198.51.100.1"); code != http.StatusUnauthorized {
		t.Fatalf("expected first client to reach login, got %d", code)
	}
	if code := loginFrom(t, srv, "192.0.2.10:5000", "198.51.100.2"); code != http.StatusUnauthorized {
		t.Fatalf("expected a different client behind the proxy to have its own budget, got %d", code)
	}
	if code := loginFrom(t, srv, "192.0.2.11:5000", "198.51.100.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected first client to be limited through another proxy, got %d", code)
	}
	// The client appends its own spoofed hop; the proxy appends the real one.
	if code := loginFrom(t, srv, "192.0.2.10:5000", "10.9.9.9, 198.51.100.2"); code != http.StatusTooManyRequests {
		t.Fatalf("expected a spoofed leading hop to be ignored, got %d", code)
	}
}

func TestPanicReturnsGenericError(t *testing.T) {
	srv := newTestServer(t, 10)
	srv.router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("database exploded: password=hunter2")
	})

	rec := srv.do(t, http.MethodGet, "/boom", "", nil)
	expectStatus(t, rec, http.StatusInternalServerError)

	var body errorResponse
	decodeBody(t, rec, &body)
	if body.Error != internalErrorMessage {
		t.Fatalf("expected generic error, got %q", body.Error)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: username is required", domain.ErrValidation), want: http.StatusBadRequest},
		{err: domain.ErrInvalidAmount, want: http.StatusBadRequest},
		{err: domain.ErrSameAccount, want: http.StatusBadRequest},
		{err: domain.ErrInvalidCredentials, want: http.StatusUnauthorized},
		{err: domain.ErrInvalidToken, want: http.StatusUnauthorized},
		{err: domain.ErrForbidden, want: http.StatusForbidden},
		{err: fmt.Errorf("source: %w", domain.ErrAccountNotFound), want: http.StatusNotFound},
		{err: domain.ErrLoanNotFound, want: http.StatusNotFound},
		{err: domain.ErrDuplicateUser, want: http.StatusConflict},
		{err: domain.ErrInvalidState, want: http.StatusConflict},
		{err: domain.ErrInsufficientFunds, want: http.StatusUnprocessableEntity},
		{err: domain.ErrOverflow, want: http.StatusUnprocessableEntity},
		{err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
