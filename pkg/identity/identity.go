// Package identity owns the device keypair used to sign pairing challenges.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"
)

const logPrefix = "identity:identity"

const (
	privateKeyFile = "device-key"
	publicKeyFile  = "device-key.pub"
)

// Identity is the device keypair plus its derived id.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	id      string
}

// New wraps an existing keypair.
func New(public ed25519.PublicKey, private ed25519.PrivateKey) *Identity {
	sum := blake3.Sum256(public)
	return &Identity{public: public, private: private, id: hex.EncodeToString(sum[:])}
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%s - generating Ed25519 keypair: %w", logPrefix, err)
	}
	return New(public, private), nil
}

// Load reads the keypair persisted in stateDir.
func Load(stateDir string) (*Identity, error) {
	privateBytes, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%s - reading private key: %w", logPrefix, err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s - private key has %d bytes, want %d", logPrefix, len(privateBytes), ed25519.PrivateKeySize)
	}
	publicBytes, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%s - reading public key: %w", logPrefix, err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s - public key has %d bytes, want %d", logPrefix, len(publicBytes), ed25519.PublicKeySize)
	}
	private := ed25519.PrivateKey(privateBytes)
	derived, _ := private.Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, publicBytes) {
		return nil, fmt.Errorf("%s - public key does not match private key", logPrefix)
	}
	return New(ed25519.PublicKey(publicBytes), private), nil
}

// Save writes the keypair to stateDir. The private key file is owner-only.
func (i *Identity) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("%s - creating state dir: %w", logPrefix, err)
	}
	if err := writeFileAtomic(filepath.Join(stateDir, privateKeyFile), i.private, 0o600); err != nil {
		return fmt.Errorf("%s - writing private key: %w", logPrefix, err)
	}
	if err := writeFileAtomic(filepath.Join(stateDir, publicKeyFile), i.public, 0o644); err != nil {
		return fmt.Errorf("%s - writing public key: %w", logPrefix, err)
	}
	return nil
}

// LoadOrCreate loads the persisted identity, generating and saving a new one
// when the material is missing. Corrupt or unreadable material is replaced,
// which rotates the device id. The bool reports whether a new keypair was made.
func LoadOrCreate(stateDir string) (*Identity, bool, error) {
	id, err := Load(stateDir)
	if err == nil {
		return id, false, nil
	}

	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil || !errors.Is(statErr, os.ErrNotExist) {
		slog.Warn(fmt.Sprintf("%s - persisted key unusable, rotating device identity: %v", logPrefix, err))
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(stateDir); err != nil {
		return nil, false, err
	}
	slog.Info(fmt.Sprintf("%s - generated device identity %s", logPrefix, id.ID()))
	return id, true, nil
}

// ID is the hex BLAKE3 fingerprint of the public key.
func (i *Identity) ID() string {
	if i == nil {
		return ""
	}
	return i.id
}

// PublicKey returns the raw public key, base64url without padding.
func (i *Identity) PublicKey() string {
	if i == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(i.public)
}

// Sign signs "nonce:timestamp". It reports false when no key is available.
func (i *Identity) Sign(nonce string, timestamp int64) (string, bool) {
	if i == nil || len(i.private) != ed25519.PrivateKeySize {
		return "", false
	}
	sig := ed25519.Sign(i.private, ChallengePayload(nonce, timestamp))
	return base64.RawURLEncoding.EncodeToString(sig), true
}

// ChallengePayload is the exact byte string covered by a challenge signature.
func ChallengePayload(nonce string, timestamp int64) []byte {
	return []byte(nonce + ":" + strconv.FormatInt(timestamp, 10))
}

// Verify checks a signature produced by Sign against an encoded public key.
func Verify(publicKey, nonce string, timestamp int64, signature string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), ChallengePayload(nonce, timestamp), sig)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
