package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinCost is the lowest acceptable bcrypt cost factor. Anything weaker
// is a misconfiguration, not a tuning choice.
const MinCost = 12

var ErrCostTooLow = errors.New("bcrypt cost factor below minimum")

// Hasher wraps bcrypt with an enforced minimum cost.
type Hasher struct {
	cost int
}

func NewHasher(cost int) (*Hasher, error) {
	if cost < MinCost {
		return nil, fmt.Errorf("%w: %d < %d", ErrCostTooLow, cost, MinCost)
	}
	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches hash. Comparison failures and
// malformed hashes both read as a mismatch; the distinction must never
// leak to the caller's response.
func (h *Hasher) Verify(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
