// Package cipher encrypts message bodies at rest with AES-256-GCM.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	aes256KeySize  = 32
	minSecretBytes = 16
	keyInfo        = "parley message content v1"
)

var (
	// ErrMalformed indicates the sealed value is not valid hex or has the wrong nonce size.
	ErrMalformed = errors.New("cipher: malformed ciphertext")
	// ErrTampered indicates authentication of the ciphertext failed.
	ErrTampered = errors.New("cipher: ciphertext authentication failed")
	// ErrWeakSecret indicates the configured secret is too short to derive a key from.
	ErrWeakSecret = errors.New("cipher: secret must be at least 16 bytes")
)

// Sealed is the persisted form of an encrypted message body, hex encoded.
type Sealed struct {
	Ciphertext string
	IV         string
}

// ContentCipher seals message content with a key derived from a configured secret.
type ContentCipher struct {
	aead stdcipher.AEAD
}

// NewContentCipher derives an AES-256 key from secret with HKDF-SHA256.
func NewContentCipher(secret []byte) (*ContentCipher, error) {
	if len(secret) < minSecretBytes {
		return nil, ErrWeakSecret
	}
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive content key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &ContentCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *ContentCipher) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return Sealed{
		Ciphertext: hex.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(iv),
	}, nil
}

// Decrypt opens a sealed value. Any modification of ciphertext or IV fails with ErrTampered
// or ErrMalformed, never with wrong plaintext.
func (c *ContentCipher) Decrypt(sealed Sealed) (string, error) {
	ciphertext, err := hex.DecodeString(strings.TrimSpace(sealed.Ciphertext))
	if err != nil || len(ciphertext) < c.aead.Overhead() {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(strings.TrimSpace(sealed.IV))
	if err != nil || len(iv) != c.aead.NonceSize() {
		return "", ErrMalformed
	}
	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}
