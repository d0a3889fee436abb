// Package password hashes and checks secrets with bcrypt.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used for stored passwords.
const DefaultCost = 10

// ErrMismatch reports a password that does not match its hash.
var ErrMismatch = errors.New("password mismatch")

// Hasher turns plaintext into a storable hash and checks it later.
type Hasher interface {
	Hash(plain string) (string, error)
	Compare(hash, plain string) error
}

// Bcrypt is a Hasher with a fixed cost.
type Bcrypt struct {
	Cost int
}

var _ Hasher = Bcrypt{}

// NewBcrypt returns a Hasher using DefaultCost.
func NewBcrypt() Bcrypt { return Bcrypt{Cost: DefaultCost} }

func (b Bcrypt) Hash(plain string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	return string(h), nil
}

// Compare returns ErrMismatch for a wrong password and another error when the
// hash itself is unusable.
func (Bcrypt) Compare(hash, plain string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}

	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}

	return nil
}
