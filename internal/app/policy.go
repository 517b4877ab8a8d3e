/**
 * @description
 * Authorization policy. Every sensitive read and every mutation of the service
 * asks CanAccess before touching the store.
 */
package app

import (
	"time"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
)

// Action names an operation guarded by the policy.
type Action string

const (
	ActionReadAccount     Action = "account:read"
	ActionDebitAccount    Action = "account:debit"
	ActionRequestLoan     Action = "loan:request"
	ActionDecideLoan      Action = "loan:decide"
	ActionReadAllLoans    Action = "loan:read_all"
	ActionReadDiagnostics Action = "diagnostics:read"
)

// Caller is the authenticated identity of a request. It is built only from a
// validated token and the current user record.
type Caller struct {
	Username  string
	UserID    int64
	Role      domain.Role
	TokenID   string
	ExpiresAt time.Time
}

// IsAdmin reports whether the caller holds the admin capability.
func (c Caller) IsAdmin() bool {
	return c.Role == domain.RoleAdmin
}

// Resource is the object an action is applied to. OwnerID is zero for
// resources without an owner.
type Resource struct {
	OwnerID int64
}

// AccountResource describes an account for the policy.
func AccountResource(a *domain.Account) Resource {
	return Resource{OwnerID: a.OwnerID}
}

// CanAccess reports whether caller may perform action on resource.
func CanAccess(caller Caller, resource Resource, action Action) bool {
	if caller.UserID == 0 {
		return false
	}
	owns := resource.OwnerID != 0 && resource.OwnerID == caller.UserID

	switch action {
	case ActionReadAccount:
		return owns || caller.IsAdmin()
	case ActionDebitAccount, ActionRequestLoan:
		// Admins do not move customer money.
		return owns
	case ActionDecideLoan, ActionReadAllLoans, ActionReadDiagnostics:
		return caller.IsAdmin()
	default:
		return false
	}
}
