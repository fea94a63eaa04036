package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestLoadOrCreate_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, created, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreate_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	_, created, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestLoadOrCreate_CorruptMaterialRotates(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{"truncated private key", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, privateKeyFile), []byte("short"), 0o600))
		}},
		{"missing public key", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, publicKeyFile)))
		}},
		{"mismatched public key", func(t *testing.T, dir string) {
			other, err := Generate()
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, publicKeyFile), other.public, 0o644))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			original, _, err := LoadOrCreate(dir)
			require.NoError(t, err)

			tt.corrupt(t, dir)

			rotated, created, err := LoadOrCreate(dir)
			require.NoError(t, err)
			assert.True(t, created)
			assert.NotEqual(t, original.ID(), rotated.ID())

			reloaded, err := Load(dir)
			require.NoError(t, err)
			assert.Equal(t, rotated.ID(), reloaded.ID())
		})
	}
}

func TestID_IsBlake3OfPublicKey(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	sum := blake3.Sum256(id.public)
	assert.Equal(t, hex.EncodeToString(sum[:]), id.ID())
	assert.Len(t, id.ID(), 64)
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	sig, ok := id.Sign("abc", 1000)
	require.True(t, ok)

	assert.True(t, Verify(id.PublicKey(), "abc", 1000, sig))
	assert.False(t, Verify(id.PublicKey(), "abc", 1001, sig))
	assert.False(t, Verify(id.PublicKey(), "abd", 1000, sig))
	assert.False(t, Verify(id.PublicKey(), "abc", 1000, "not-base64!"))
	assert.False(t, Verify("short", "abc", 1000, sig))

	pub, err := base64.RawURLEncoding.DecodeString(id.PublicKey())
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("abc:1000"), raw))
}

func TestSign_NilIdentity(t *testing.T) {
	var id *Identity
	sig, ok := id.Sign("abc", 1000)
	assert.False(t, ok)
	assert.Empty(t, sig)
	assert.Empty(t, id.ID())
	assert.Empty(t, id.PublicKey())
}

func TestFileTokenStore(t *testing.T) {
	path := DefaultTokenPath(filepath.Join(t.TempDir(), "state"))
	store := NewFileTokenStore(path)

	tok, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, store.Save("tok-1"))
	require.NoError(t, store.Save("tok-2"))

	tok, err = NewFileTokenStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileTokenStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileTokenStore(path).Load()
	assert.Error(t, err)
}
