/**
 * @description
 * This file defines the User model and the registration payload. A user owns
 * one or more accounts and carries a role that decides whether it holds the
 * admin capability.
 */
package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Role defines the capability level of a user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything after 72 bytes.
	maxPasswordLength = 72
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._]{1,30}[a-z0-9])$`)

// User represents a registered customer or administrator.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	GivenName    string    `json:"vorname"`
	FamilyName   string    `json:"nachname"`
	BirthDate    string    `json:"gebdatum"`
	Email        string    `json:"email"`
	NationalID   string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin capability.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Registration is the data supplied by a client to open a new customer profile.
type Registration struct {
	Username   string
	Password   string
	GivenName  string
	FamilyName string
	BirthDate  string
	Email      string
	NationalID string
}

// Normalize trims whitespace and lower-cases the identifiers that must be unique.
func (r Registration) Normalize() Registration {
	r.Username = NormalizeUsername(r.Username)
	r.GivenName = strings.TrimSpace(r.GivenName)
	r.FamilyName = strings.TrimSpace(r.FamilyName)
	r.BirthDate = strings.TrimSpace(r.BirthDate)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.NationalID = strings.TrimSpace(r.NationalID)
	return r
}

// Validate checks a normalized registration.
func (r Registration) Validate() error {
	if err := ValidateUsername(r.Username); err != nil {
		return err
	}
	if err := ValidatePassword(r.Password); err != nil {
		return err
	}
	if r.GivenName == "" || r.FamilyName == "" {
		return fmt.Errorf("%w: vorname and nachname are required", ErrValidation)
	}
	if _, err := time.Parse("2006-01-02", r.BirthDate); err != nil {
		return fmt.Errorf("%w: gebdatum must use the format YYYY-MM-DD", ErrValidation)
	}
	addr, err := mail.ParseAddress(r.Email)
	if err != nil || addr.Address != r.Email {
		return fmt.Errorf("%w: email is not a valid address", ErrValidation)
	}
	if r.NationalID == "" {
		return fmt.Errorf("%w: svnummer is required", ErrValidation)
	}
	return nil
}

// NormalizeUsername lower-cases and trims a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername accepts 3-32 characters of [a-z0-9._] that start and end
// with a letter or digit.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-32 characters of a-z, 0-9, '.' or '_' and start and end with a letter or digit", ErrValidation)
	}
	return nil
}

// ValidatePassword enforces the length bounds of a password.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordLength)
	}
	return nil
}
