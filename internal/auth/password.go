/**
 * @description
 * Password hashing for the credential store. Passwords are only ever stored as
 * salted bcrypt hashes.
 */
package auth

import "golang.org/x/crypto/bcrypt"

// dummyHash is compared against when a login names an unknown user, so that
// the response time does not reveal whether the username exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("badbank-unknown-user"), bcrypt.DefaultCost)

// HashPassword returns the bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// BurnPasswordCheck spends the same time as CheckPassword without a real hash.
func BurnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
