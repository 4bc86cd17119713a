package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "keystore.json")
}

func TestLocalKMS_NewGeneratesKey(t *testing.T) {
	path := tempKeystore(t)

	k, err := NewLocalKMS(path)
	require.NoError(t, err)
	assert.Equal(t, 1, k.ActiveVersion())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLocalKMS_ConfigRoundTrip(t *testing.T) {
	k, err := NewLocalKMS(tempKeystore(t))
	require.NoError(t, err)

	sealed, err := k.SealConfig("cust-1", map[string]string{"token": "ghp_x", "org": "acme"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.NotContains(t, sealed, "ghp_x")

	cfg, err := k.DecryptConfig(context.Background(), &compliance.Integration{ID: "int-1", CustomerID: "cust-1", EncryptedConfig: sealed})
	require.NoError(t, err)
	assert.Equal(t, "ghp_x", cfg["token"])
	assert.Equal(t, "acme", cfg["org"])
}

func TestLocalKMS_OtherCustomerCannotOpen(t *testing.T) {
	k, err := NewEphemeralKMS()
	require.NoError(t, err)

	sealed, err := k.SealConfig("cust-1", map[string]string{"token": "secret"})
	require.NoError(t, err)

	_, err = k.DecryptConfig(context.Background(), &compliance.Integration{ID: "int-1", CustomerID: "cust-2", EncryptedConfig: sealed})
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestLocalKMS_RotateKeepsOldVersions(t *testing.T) {
	path := tempKeystore(t)
	k, err := NewLocalKMS(path)
	require.NoError(t, err)

	old, err := k.Seal("cust-1", []byte("before"))
	require.NoError(t, err)

	v, err := k.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	fresh, err := k.Seal("cust-1", []byte("after"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "v2:"))

	// Reload from disk and open both.
	reloaded, err := NewLocalKMS(path)
	require.NoError(t, err)
	pt, err := reloaded.Open("cust-1", old)
	require.NoError(t, err)
	assert.Equal(t, "before", string(pt))
	pt, err = reloaded.Open("cust-1", fresh)
	require.NoError(t, err)
	assert.Equal(t, "after", string(pt))
}

func TestLocalKMS_EmptyConfig(t *testing.T) {
	k, err := NewEphemeralKMS()
	require.NoError(t, err)
	cfg, err := k.DecryptConfig(context.Background(), &compliance.Integration{ID: "int-1", CustomerID: "c"})
	require.NoError(t, err)
	assert.Empty(t, cfg)
}

func TestParseVersioned(t *testing.T) {
	v, payload, err := parseVersioned("v12:abc")
	require.NoError(t, err)
	assert.Equal(t, 12, v)
	assert.Equal(t, "abc", payload)

	for _, bad := range []string{"abc", "v:abc", "vx:abc"} {
		_, _, err := parseVersioned(bad)
		assert.Error(t, err, bad)
	}
}
