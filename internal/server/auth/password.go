package auth

import (
	"errors"
	"sync"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"golang.org/x/crypto/bcrypt"
)

// MinCost is the lowest bcrypt cost accepted for new hashes.
const MinCost = 10

// BcryptHasher hashes and verifies passwords. It never logs its inputs.
type BcryptHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     string
	dummyErr  error
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < MinCost {
		cost = MinCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", common.ErrorValidation
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether plain matches hash. A mismatch is (false, nil);
// a malformed hash is an error.
func (h *BcryptHasher) Verify(plain, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// VerifyDummy burns the same time as a real verification so that unknown
// users cannot be told apart from wrong passwords by latency.
func (h *BcryptHasher) VerifyDummy(plain string) {
	h.dummyOnce.Do(func() {
		h.dummy, h.dummyErr = h.Hash("dummy-password-for-timing")
	})
	if h.dummyErr != nil {
		return
	}
	_, _ = h.Verify(plain, h.dummy)
}
