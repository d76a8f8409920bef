package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShear_Keyring_Derive_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := Derive("winter wool harvest", 8)
	require.NoError(t, err)
	b, err := Derive("winter wool harvest", 8)
	require.NoError(t, err)

	require.Len(t, a, 8)
	require.Equal(t, a, b, "same seed must derive the same roster")
}

func TestShear_Keyring_Derive_RolesAndOrdering(t *testing.T) {
	t.Parallel()

	accounts, err := Derive("winter wool harvest", 8)
	require.NoError(t, err)

	triples := 0
	seen := make(map[string]bool)
	for i, acct := range accounts {
		require.Equal(t, i, acct.Index)
		require.NotEmpty(t, acct.Address)
		require.False(t, seen[acct.Address], "addresses must be distinct")
		seen[acct.Address] = true

		if acct.Role == RoleTriplePrimary {
			triples++
			require.Equal(t, 0, acct.Index, "triple-primary role belongs to index 0")
		} else {
			require.Equal(t, RoleSingle, acct.Role)
		}
	}
	require.Equal(t, 1, triples, "exactly one account carries the triple-primary role")
}

func TestShear_Keyring_Derive_DistinctSeedsDistinctRosters(t *testing.T) {
	t.Parallel()

	a, err := Derive("seed one", 4)
	require.NoError(t, err)
	b, err := Derive("seed two", 4)
	require.NoError(t, err)

	for i := range a {
		require.NotEqual(t, a[i].Address, b[i].Address)
	}
}

func TestShear_Keyring_Derive_Errors(t *testing.T) {
	t.Parallel()

	_, err := Derive("", 8)
	require.ErrorIs(t, err, ErrMissingSeed)

	_, err = Derive("seed", 0)
	require.Error(t, err)
}
