/**
 * @description
 * This file defines the Account model together with the balance arithmetic
 * used by transfers and loan approvals.
 *
 * @notes
 * - Balances are stored as int32. Every mutation goes through Credit/Debit so
 *   that a balance can never wrap around or become negative.
 * - The IBAN is derived from the owner's username and the account id. It is a
 *   display identifier, not a real ISO 13616 IBAN.
 */
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OpeningBalance is credited to every account created during registration.
const OpeningBalance int32 = 10000

const ibanCountryCode = "BB"

// Account represents a single bank account owned by one user.
type Account struct {
	ID        int64     `json:"id"`
	IBAN      string    `json:"IBAN"`
	Balance   int32     `json:"kontostand"`
	OwnerID   int64     `json:"owner_id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferReceipt is returned after a transfer has been committed.
type TransferReceipt struct {
	ID          int64     `json:"transfer_id"`
	FromIBAN    string    `json:"from"`
	ToIBAN      string    `json:"to"`
	Amount      int32     `json:"amount"`
	FromBalance int32     `json:"-"`
	ToBalance   int32     `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeriveIBAN builds the account identifier from the owner's username and the
// account id: "BB" + 2-digit check value + UPPER(username) + 10-digit id.
func DeriveIBAN(username string, accountID int64) string {
	id := fmt.Sprintf("%010d", accountID)
	sum := 0
	for _, b := range []byte(username + id) {
		sum += int(b)
	}
	check := 98 - sum%97
	return ibanCountryCode + fmt.Sprintf("%02d", check) + strings.ToUpper(username) + id
}

// NormalizeIBAN strips spaces and upper-cases an IBAN supplied by a client.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
}

// ValidateAmount checks that a monetary amount is positive and fits a balance.
func ValidateAmount(amount int64) (int32, error) {
	if amount <= 0 || amount > math.MaxInt32 {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidAmount, strconv.FormatInt(amount, 10))
	}
	return int32(amount), nil
}

// Credit returns balance+amount, or ErrOverflow if the result leaves the int32 range.
func Credit(balance, amount int32) (int32, error) {
	if amount <= 0 {
		return balance, ErrInvalidAmount
	}
	sum := int64(balance) + int64(amount)
	if sum > math.MaxInt32 {
		return balance, ErrOverflow
	}
	return int32(sum), nil
}

// Debit returns balance-amount, or ErrInsufficientFunds if the balance is too low.
func Debit(balance, amount int32) (int32, error) {
	if amount <= 0 {
		return balance, ErrInvalidAmount
	}
	if balance < amount {
		return balance, ErrInsufficientFunds
	}
	return balance - amount, nil
}

// ApplyTransfer moves amount from one account to the other. Both accounts are
// left untouched unless every check passes.
func ApplyTransfer(from, to *Account, amount int32) error {
	if from.ID == to.ID {
		return ErrSameAccount
	}
	newFrom, err := Debit(from.Balance, amount)
	if err != nil {
		return err
	}
	newTo, err := Credit(to.Balance, amount)
	if err != nil {
		return err
	}
	from.Balance = newFrom
	to.Balance = newTo
	return nil
}
