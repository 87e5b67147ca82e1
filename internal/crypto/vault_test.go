package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"mailbridge/internal/common/errors"
)

func TestNewTokenVault(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		wantError bool
	}{
		{"valid secret", "some-master-secret", false},
		{"short secret", "x", false}, // PBKDF2 stretches any non-empty input
		{"long secret", strings.Repeat("a", 128), false},
		{"empty secret", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault, err := NewTokenVault(tt.secret)

			if tt.wantError {
				if err == nil {
					t.Error("NewTokenVault() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("NewTokenVault() unexpected error = %v", err)
			}
			if len(vault.key) != 32 {
				t.Errorf("key length = %d, want 32", len(vault.key))
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	vault, err := NewTokenVault("test-master-secret")
	if err != nil {
		t.Fatalf("NewTokenVault() error = %v", err)
	}

	tests := []string{
		"ya29.a0AfB_byD-short-access-token",
		"1//0gRefreshTokenWithSlashes//and==padding",
		"a",
		strings.Repeat("long", 1000),
		"token with spaces and ünïcödé ✉",
	}

	for _, plaintext := range tests {
		encrypted, err := vault.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if encrypted == plaintext {
			t.Errorf("Encrypt(%q) returned plaintext", plaintext)
		}

		decrypted, err := vault.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("Decrypt(Encrypt(%q)) = %q", plaintext, decrypted)
		}
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	vault, _ := NewTokenVault("test-master-secret")

	first, err := vault.Encrypt("same-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := vault.Encrypt("same-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first == second {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}

	for _, ct := range []string{first, second} {
		got, err := vault.Decrypt(ct)
		if err != nil || got != "same-token" {
			t.Errorf("Decrypt(%q) = %q, %v", ct, got, err)
		}
	}
}

func TestEmptyStringPassthrough(t *testing.T) {
	vault, _ := NewTokenVault("test-master-secret")

	encrypted, err := vault.Encrypt("")
	if err != nil || encrypted != "" {
		t.Errorf("Encrypt(\"\") = %q, %v; want empty, nil", encrypted, err)
	}

	decrypted, err := vault.Decrypt("")
	if err != nil || decrypted != "" {
		t.Errorf("Decrypt(\"\") = %q, %v; want empty, nil", decrypted, err)
	}
}

func TestDecryptFailures(t *testing.T) {
	vault, _ := NewTokenVault("test-master-secret")

	valid, err := vault.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip one byte of the sealed payload.
	raw, _ := base64.StdEncoding.DecodeString(valid)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("abc"))},
		{"tampered", tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vault.Decrypt(tt.ciphertext)
			if err == nil {
				t.Fatal("Decrypt() expected error, got nil")
			}
			if !errors.IsCode(err, errors.CodeDecryptionFailed) {
				t.Errorf("Decrypt() error code = %s, want %s", errors.GetCode(err), errors.CodeDecryptionFailed)
			}
		})
	}
}

func TestDifferentSecretsCannotDecrypt(t *testing.T) {
	vaultA, _ := NewTokenVault("secret-a")
	vaultB, _ := NewTokenVault("secret-b")

	encrypted, err := vaultA.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := vaultB.Decrypt(encrypted); err == nil {
		t.Error("Decrypt() with wrong key succeeded")
	}
}
