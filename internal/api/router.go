/**
 * @description
 * This file sets up the HTTP router for the banking API using go-chi/chi. It
 * applies request ids, client address resolution behind trusted proxies,
 * structured logging, panic recovery, timeouts and CORS, and maps the public
 * and authenticated routes to their handlers.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	ratelimit "github.com/fabio-anzola/websec-BadBank/pkg/middleware"
)

// RouterOptions configures the cross-cutting middleware of the router.
type RouterOptions struct {
	Authenticator  Authenticator
	LoginLimiter   ratelimit.Limiter
	RequestTimeout time.Duration
	AllowedOrigins []string
	// TrustedProxies lists the peers whose forwarding headers are honoured.
	// With none, the peer address is the client address.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewRouter creates a new Chi router and registers the banking routes.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	logger := opts.Logger.With("component", "http")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if len(opts.TrustedProxies) > 0 {
		r.Use(ratelimit.TrustedRealIP(opts.TrustedProxies))
	}
	r.Use(RequestLogger(logger))
	r.Use(Recoverer(logger))
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/register", h.RegisterHandler)
	r.Group(func(r chi.Router) {
		if opts.LoginLimiter != nil {
			r.Use(ratelimit.RateLimitMiddleware(opts.LoginLimiter, "login"))
		}
		r.Post("/login", h.LoginHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Authenticator, logger))

		r.Post("/logout", h.LogoutHandler)

		r.Get("/account", h.ListAccountsHandler)
		r.Get("/account/{iban}", h.GetAccountHandler)
		r.Post("/transfer", h.TransferHandler)

		r.Post("/loan/request", h.RequestLoanHandler)
		r.Get("/loans", h.ListLoansHandler)
		r.Post("/loan/{id}/approve", h.ApproveLoanHandler)
		r.Post("/loan/{id}/deny", h.DenyLoanHandler)

		r.Get("/admin/diagnostics", h.DiagnosticsHandler)
	})

	return r
}
