// Package crypto implements the token vault: AES-256-GCM encryption and
// decryption for OAuth credential strings at rest.
//
// Every credential passes through this boundary before touching durable
// storage. Each encryption uses a fresh random nonce, so encrypting the same
// token twice yields different ciphertexts; equal ciphertexts therefore never
// leak token equality.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"mailbridge/internal/common/errors"
)

// keyIterations is the PBKDF2 iteration count for deriving the AES key from
// the master secret. Derivation happens once per process.
const keyIterations = 100_000

// keySalt is fixed so that the same master secret always derives the same key
// across restarts; the randomness requirement is carried by the per-message
// GCM nonce, not the salt.
var keySalt = []byte("mailbridge-token-vault")

// TokenVault encrypts and decrypts opaque credential strings with AES-256-GCM.
// It is safe for concurrent use.
type TokenVault struct {
	key []byte // 32-byte AES-256 key derived from the master secret
}

// NewTokenVault derives the process-wide vault key from the master secret.
// The secret should come from the environment and never be hardcoded.
func NewTokenVault(secret string) (*TokenVault, error) {
	if secret == "" {
		return nil, errors.ValidationFailed("encryption secret cannot be empty")
	}

	key := pbkdf2.Key([]byte(secret), keySalt, keyIterations, 32, sha256.New)
	return &TokenVault{key: key}, nil
}

// Encrypt encrypts a plaintext token and returns a base64 string suitable for
// storage. An empty plaintext returns an empty string: a token that was never
// issued is not an error.
func (v *TokenVault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", errors.Internal("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Internal("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Internal("failed to generate nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. An empty ciphertext returns an empty string.
// Malformed or tampered ciphertext fails with a DecryptionFailed condition;
// callers must treat that as "credential unusable" and route the owning
// connection to error state rather than crash.
func (v *TokenVault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.DecryptionFailed(err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", errors.Internal("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Internal("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.DecryptionFailed(nil)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.DecryptionFailed(err)
	}

	return string(plaintext), nil
}
