package sshauth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeRSAKey(t *testing.T, path string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
}

func writeEd25519Key(t *testing.T, path string) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
}

func writeECDSAKey(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
}

func writeProtectedKey(t *testing.T, path string) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte("hunter2"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
}

func TestResolveParsesEachKeyFamily(t *testing.T) {
	tests := []struct {
		name    string
		write   func(*testing.T, string)
		keyType string
	}{
		{"rsa", writeRSAKey, ssh.KeyAlgoRSA},
		{"ed25519", writeEd25519Key, ssh.KeyAlgoED25519},
		{"ecdsa", writeECDSAKey, ssh.KeyAlgoECDSA256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "id_"+tt.name)
			tt.write(t, path)

			cred, err := NewResolver(path).Resolve()
			require.NoError(t, err)
			assert.Equal(t, path, cred.Path)
			assert.Equal(t, tt.keyType, cred.Signer.PublicKey().Type())
		})
	}
}

func TestResolvePrefersFirstCandidate(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "id_rsa")
	second := filepath.Join(dir, "id_ed25519")
	writeRSAKey(t, first)
	writeEd25519Key(t, second)

	cred, err := NewResolver(first, second).Resolve()
	require.NoError(t, err)
	assert.Equal(t, first, cred.Path)
}

func TestResolveSkipsPassphraseProtectedKey(t *testing.T) {
	dir := t.TempDir()
	protected := filepath.Join(dir, "id_rsa")
	usable := filepath.Join(dir, "id_ed25519")
	writeProtectedKey(t, protected)
	writeEd25519Key(t, usable)

	cred, err := NewResolver(protected, usable).Resolve()
	require.NoError(t, err)
	assert.Equal(t, usable, cred.Path)
}

func TestResolveSkipsMissingPath(t *testing.T) {
	dir := t.TempDir()
	usable := filepath.Join(dir, "id_ecdsa")
	writeECDSAKey(t, usable)

	cred, err := NewResolver(filepath.Join(dir, "does-not-exist"), usable).Resolve()
	require.NoError(t, err)
	assert.Equal(t, usable, cred.Path)
}

func TestResolveCachesForProcessLifetime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id_rsa")
	writeRSAKey(t, path)

	resolver := NewResolver(path)
	first, err := resolver.Resolve()
	require.NoError(t, err)

	// The file going away must not invalidate the cached credential.
	require.NoError(t, os.Remove(path))
	second, err := resolver.Resolve()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveNoUsableCredential(t *testing.T) {
	dir := t.TempDir()
	protected := filepath.Join(dir, "id_rsa")
	writeProtectedKey(t, protected)

	_, err := NewResolver(filepath.Join(dir, "missing"), protected).Resolve()
	assert.ErrorIs(t, err, ErrNoUsableCredential)
}

func TestResolveOverride(t *testing.T) {
	dir := t.TempDir()
	defaultKey := filepath.Join(dir, "id_rsa")
	overrideKey := filepath.Join(dir, "deploy_key")
	writeRSAKey(t, defaultKey)
	writeEd25519Key(t, overrideKey)

	resolver := NewResolver(defaultKey)

	cred, err := resolver.ResolveOverride(overrideKey)
	require.NoError(t, err)
	assert.Equal(t, overrideKey, cred.Path)

	// A bad override falls back to default resolution instead of failing.
	cred, err = resolver.ResolveOverride(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Equal(t, defaultKey, cred.Path)
}
