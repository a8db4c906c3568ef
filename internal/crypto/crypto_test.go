package crypto

import (
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestNewCipher_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zz-not-hex"},
		{"too short", "deadbeef"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipher(tt.key); err == nil {
				t.Fatal("expected error for invalid key, got nil")
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []string{
		"fmu1-abc123def456",
		"",
		"token with spaces and unicode ✓",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range tests {
		encrypted, err := cipher.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if encrypted == plaintext && plaintext != "" {
			t.Error("ciphertext equals plaintext")
		}

		decrypted, err := cipher.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	cipher, _ := NewCipher(testKey)

	first, err := cipher.Encrypt("same-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := cipher.Encrypt("same-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if first == second {
		t.Error("expected distinct ciphertexts for repeated encryptions")
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	cipher, _ := NewCipher(testKey)

	encrypted, err := cipher.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Flip a character in the body of the ciphertext
	tampered := []byte(encrypted)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	if _, err := cipher.Decrypt(string(tampered)); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext, got nil")
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	cipher, _ := NewCipher(testKey)

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cipher.Decrypt(tt.input); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
