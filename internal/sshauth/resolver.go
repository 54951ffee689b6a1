package sshauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/loracloud/lorad/internal/logging"
)

// ErrNoUsableCredential is returned when no candidate key file exists and
// parses without a passphrase.
var ErrNoUsableCredential = errors.New("no usable ssh credential found")

// Credential is a parsed private key bound to the path it was loaded from.
type Credential struct {
	Path   string
	Signer ssh.Signer
}

// acceptedKeyAlgos lists the key families usable for instance auth, in
// trial order. Keys outside these families are treated as unusable.
var acceptedKeyAlgos = []string{
	ssh.KeyAlgoRSA,
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
}

// Resolver discovers a passphrase-free private key among fixed candidate
// paths and caches it for the process lifetime.
type Resolver struct {
	candidates []string

	mu     sync.Mutex
	cached *Credential
}

// NewResolver builds a resolver over the given candidate paths, falling back
// to the conventional keys under ~/.ssh when none are given. Empty entries
// are ignored, so an unset config value does not mask the defaults.
func NewResolver(candidates ...string) *Resolver {
	paths := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			paths = append(paths, c)
		}
	}
	if len(paths) == 0 {
		paths = defaultCandidates()
	}
	return &Resolver{candidates: paths}
}

func defaultCandidates() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return []string{
		filepath.Join(home, ".ssh", "id_rsa"),
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "vast_key"),
	}
}

// Resolve returns the cached credential, or walks the candidate paths in
// order and caches the first that exists and parses without a passphrase.
func (r *Resolver) Resolve() (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}

	for _, path := range r.candidates {
		cred, err := parseKeyFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logging.Debug("skipping ssh key candidate", map[string]interface{}{
					"path":  path,
					"error": err,
				})
			}
			continue
		}

		r.cached = cred
		logging.Info("resolved ssh credential", map[string]interface{}{
			"path":     path,
			"key_type": cred.Signer.PublicKey().Type(),
		})
		return cred, nil
	}

	return nil, ErrNoUsableCredential
}

// ResolveOverride parses an explicit key path, bypassing the cache. An
// unusable override is not fatal: it logs and falls back to Resolve.
func (r *Resolver) ResolveOverride(path string) (*Credential, error) {
	if path != "" {
		cred, err := parseKeyFile(path)
		if err == nil {
			return cred, nil
		}
		logging.Warn("ssh key override unusable, falling back to default resolution", map[string]interface{}{
			"path":  path,
			"error": err,
		})
	}
	return r.Resolve()
}

func parseKeyFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			return nil, fmt.Errorf("key at %s requires a passphrase", path)
		}
		return nil, fmt.Errorf("failed to parse key at %s: %w", path, err)
	}

	keyType := signer.PublicKey().Type()
	for _, algo := range acceptedKeyAlgos {
		if keyType == algo {
			return &Credential{Path: path, Signer: signer}, nil
		}
	}

	return nil, fmt.Errorf("unsupported key type %s at %s", keyType, path)
}
