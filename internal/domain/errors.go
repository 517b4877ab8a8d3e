/**
 * @description
 * Sentinel errors shared by the store, app and api layers. Lower layers wrap
 * them with context using fmt.Errorf("...: %w", err); the api layer maps them
 * to HTTP status codes in one place.
 */
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidAmount      = errors.New("amount must be a positive integer")
	ErrSameAccount        = errors.New("source and destination account are the same")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrOverflow           = errors.New("balance would exceed the supported range")
	ErrInvalidState       = errors.New("loan is not in a state that allows this operation")
	ErrNotFound           = errors.New("not found")
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrAccountNotFound    = fmt.Errorf("account %w", ErrNotFound)
	ErrLoanNotFound       = fmt.Errorf("loan %w", ErrNotFound)
	ErrDuplicateUser      = errors.New("username or email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrForbidden          = errors.New("forbidden")
)
