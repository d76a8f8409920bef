package keyring

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Role determines how many artifacts an account submits per cycle.
type Role string

const (
	// RoleSingle accounts submit one artifact per cycle.
	RoleSingle Role = "single"
	// RoleTriplePrimary is held by exactly one account per roster; it submits
	// three artifacts per cycle on a staggered schedule.
	RoleTriplePrimary Role = "triple-primary"
)

// Account is one logical submitting identity derived from the base seed.
// The secret is opaque to everything outside the ledger client.
type Account struct {
	Index   int
	Address string
	Secret  []byte
	Role    Role
}

func (a Account) String() string {
	return fmt.Sprintf("account[%d] %s (%s)", a.Index, a.Address, a.Role)
}

var ErrMissingSeed = errors.New("seed phrase is required")

// Derive produces the account roster from the base seed using hard derivation
// suffixes ("//0", "//1", ...). Derivation is deterministic: the same seed and
// count always yield the same roster, in the same order, with the same roles.
// Index 0 carries the triple-primary role.
func Derive(seed string, count int) ([]Account, error) {
	if seed == "" {
		return nil, ErrMissingSeed
	}
	if count <= 0 {
		return nil, fmt.Errorf("account count must be positive, got %d", count)
	}

	accounts := make([]Account, 0, count)
	for i := 0; i < count; i++ {
		secret := blake2b.Sum256([]byte(fmt.Sprintf("%s//%d", seed, i)))
		pub := blake2b.Sum256(secret[:])

		role := RoleSingle
		if i == 0 {
			role = RoleTriplePrimary
		}

		accounts = append(accounts, Account{
			Index:   i,
			Address: base58.Encode(pub[:]),
			Secret:  secret[:],
			Role:    role,
		})
	}
	return accounts, nil
}
