// Package secrets resolves model-provider and source-control credentials
// and seals tokens at rest with an authenticated symmetric cipher.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCipher is returned when encryption or decryption fails. Decryption
// fails closed: corrupt or mismatched ciphertext never yields garbage.
var ErrCipher = errors.New("token cipher failure")

// Cipher seals and opens token strings with AES-256-GCM keyed by the
// SHA-256 digest of the instance secret.
type Cipher struct {
	key [32]byte
}

// NewCipher derives a cipher from the instance-wide secret
func NewCipher(instanceSecret string) (*Cipher, error) {
	if instanceSecret == "" {
		return nil, fmt.Errorf("%w: instance secret is required", ErrCipher)
	}
	return &Cipher{key: sha256.Sum256([]byte(instanceSecret))}, nil
}

// EncryptToken seals a plaintext token. Encrypting the empty string
// returns the empty string.
func (c *Cipher) EncryptToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptToken opens a sealed token. Decrypting the empty string returns
// the empty string.
func (c *Cipher) DecryptToken(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	raw, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCipher)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCipher)
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCipher)
	}
	return string(plain), nil
}
