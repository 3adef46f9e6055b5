package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/callscribe/callscribe/internal/apperr"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptor(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	plaintext := "my-secret-password-123!"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptorInvalidKeyLength(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	if err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestEncryptorEmptyString(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	ct, err := enc.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt(\"\") error: %v", err)
	}
	if ct != "" {
		t.Errorf("empty plaintext should encrypt to empty, got %q", ct)
	}

	pt, err := enc.Decrypt("")
	if err != nil {
		t.Fatalf("Decrypt(\"\") error: %v", err)
	}
	if pt != "" {
		t.Errorf("empty ciphertext should decrypt to empty, got %q", pt)
	}
}

func TestEncryptorNonceVaries(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	a, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	b, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if a == b {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestDecryptRejectsTampered(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	ct, err := enc.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Flip a character in the base64 body.
	tampered := []byte(ct)
	if tampered[len(tampered)/2] == 'A' {
		tampered[len(tampered)/2] = 'B'
	} else {
		tampered[len(tampered)/2] = 'A'
	}

	_, err = enc.Decrypt(string(tampered))
	if err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
	if apperr.KindOf(err) != apperr.KindData {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindData)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	for _, input := range []string{"not base64 at all!!!", "AAAA"} {
		_, err := enc.Decrypt(input)
		if err == nil {
			t.Errorf("Decrypt(%q) should fail", input)
			continue
		}
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			t.Errorf("Decrypt(%q) error should be an apperr.Error, got %T", input, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	other := testKey()
	other[0] ^= 0xff
	enc2, err := NewEncryptor(other)
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	ct, err := enc1.Encrypt("cross-key")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := enc2.Decrypt(ct); err == nil {
		t.Fatal("decrypt with a different key should fail authentication")
	} else if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("unexpected error: %v", err)
	}
}
