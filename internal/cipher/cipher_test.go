package cipher

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCipher(t *testing.T) *ContentCipher {
	t.Helper()
	contentCipher, err := NewContentCipher([]byte(testSecret))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return contentCipher
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	contentCipher := newTestCipher(t)
	inputs := []string{
		"hello",
		"héllo wörld ✓ 你好 🎉",
		strings.Repeat("Ж", 10000),
		strings.Repeat("🙂", 10000),
		"",
	}
	for _, input := range inputs {
		sealed, err := contentCipher.Encrypt(input)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		decrypted, err := contentCipher.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if decrypted != input {
			t.Fatalf("round trip mismatch for input of length %d", len(input))
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	contentCipher := newTestCipher(t)
	first, err := contentCipher.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := contentCipher.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first.IV == second.IV || first.Ciphertext == second.Ciphertext {
		t.Fatal("expected distinct nonce and ciphertext for repeated plaintext")
	}
}

func TestDecryptDetectsTamperedBytes(t *testing.T) {
	contentCipher := newTestCipher(t)
	sealed, err := contentCipher.Encrypt("attack at dawn")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext, _ := hex.DecodeString(sealed.Ciphertext)
	iv, _ := hex.DecodeString(sealed.IV)

	for index := range ciphertext {
		mutated := append([]byte(nil), ciphertext...)
		mutated[index] ^= 0x01
		_, err := contentCipher.Decrypt(Sealed{Ciphertext: hex.EncodeToString(mutated), IV: sealed.IV})
		if !errors.Is(err, ErrTampered) {
			t.Fatalf("expected tamper detection at ciphertext byte %d, got %v", index, err)
		}
	}
	for index := range iv {
		mutated := append([]byte(nil), iv...)
		mutated[index] ^= 0x80
		_, err := contentCipher.Decrypt(Sealed{Ciphertext: sealed.Ciphertext, IV: hex.EncodeToString(mutated)})
		if !errors.Is(err, ErrTampered) {
			t.Fatalf("expected tamper detection at iv byte %d, got %v", index, err)
		}
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	contentCipher := newTestCipher(t)
	sealed, err := contentCipher.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	cases := []Sealed{
		{Ciphertext: "zz", IV: sealed.IV},
		{Ciphertext: sealed.Ciphertext, IV: "00"},
		{Ciphertext: "", IV: sealed.IV},
	}
	for _, input := range cases {
		if _, err := contentCipher.Decrypt(input); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed error for %#v, got %v", input, err)
		}
	}
}

func TestDecryptWithDifferentSecretFails(t *testing.T) {
	contentCipher := newTestCipher(t)
	other, err := NewContentCipher([]byte("another-secret-of-enough-length"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := contentCipher.Encrypt("private")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestNewContentCipherRejectsShortSecret(t *testing.T) {
	if _, err := NewContentCipher([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected weak secret error, got %v", err)
	}
}
