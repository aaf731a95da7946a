package crypto

import (
	"encoding/json"
	"strings"
	"testing"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewEncryptionService(t *testing.T) {
	if _, err := NewEncryptionService(testKeyHex); err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	if _, err := NewEncryptionService(""); err == nil {
		t.Error("Expected error for empty key")
	}
	if _, err := NewEncryptionService("not-hex"); err == nil {
		t.Error("Expected error for non-hex key")
	}
	if _, err := NewEncryptionService("abcd"); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestNewEncryptionServiceFromPassphrase(t *testing.T) {
	svc, err := NewEncryptionServiceFromPassphrase("correct horse battery staple", 1024)
	if err != nil {
		t.Fatalf("Failed to derive from passphrase: %v", err)
	}

	// Same passphrase derives the same master key: values encrypted by one
	// instance decrypt under another.
	env, err := svc.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	svc2, err := NewEncryptionServiceFromPassphrase("correct horse battery staple", 1024)
	if err != nil {
		t.Fatalf("Failed to derive second service: %v", err)
	}
	plaintext, err := svc2.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt with re-derived key failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("Expected 'hello', got %q", plaintext)
	}

	if _, err := NewEncryptionServiceFromPassphrase("", 1024); err == nil {
		t.Error("Expected error for empty passphrase")
	}
	if _, err := NewEncryptionServiceFromPassphrase("pw", 1000); err == nil {
		t.Error("Expected error for non-power-of-two iterations")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewEncryptionService(testKeyHex)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	inputs := []string{
		"simple",
		"",
		"unicode: héllo wörld 日本語",
		strings.Repeat("long ", 1000),
		`{"json":"payload","n":42}`,
	}

	for _, input := range inputs {
		env, err := svc.Encrypt([]byte(input))
		if err != nil {
			t.Fatalf("Encrypt failed for %q: %v", input, err)
		}
		if env.Algorithm != AlgorithmAESGCM {
			t.Errorf("Expected algorithm %s, got %s", AlgorithmAESGCM, env.Algorithm)
		}

		plaintext, err := svc.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if string(plaintext) != input {
			t.Errorf("Round trip mismatch: got %q, want %q", plaintext, input)
		}
	}
}

func TestEncryptUniqueSaltAndNonce(t *testing.T) {
	svc, _ := NewEncryptionService(testKeyHex)

	a, err := svc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := svc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if a.Salt == b.Salt {
		t.Error("Expected unique per-record salts")
	}
	if a.IV == b.IV {
		t.Error("Expected unique nonces")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("Expected distinct ciphertexts for identical plaintext")
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	svc, _ := NewEncryptionService(testKeyHex)

	env, err := svc.Encrypt([]byte("secret value"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"ciphertext", func(e *Envelope) { e.Ciphertext = flipBase64(t, e.Ciphertext) }},
		{"tag", func(e *Envelope) { e.Tag = flipBase64(t, e.Tag) }},
		{"iv", func(e *Envelope) { e.IV = flipBase64(t, e.IV) }},
		{"salt", func(e *Envelope) { e.Salt = flipBase64(t, e.Salt) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := *env
			tt.mutate(&tampered)

			_, err := svc.Decrypt(&tampered)
			if err == nil {
				t.Fatal("Expected decryption of tampered envelope to fail")
			}
			if !strings.Contains(err.Error(), ErrIntegrity.Error()) {
				t.Errorf("Expected integrity error, got: %v", err)
			}
		})
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	svc, _ := NewEncryptionService(testKeyHex)
	other, _ := NewEncryptionService("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	env, err := svc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := other.Decrypt(env); err == nil {
		t.Fatal("Expected decryption with wrong master key to fail")
	}
}

func TestStringHelpers(t *testing.T) {
	svc, _ := NewEncryptionService(testKeyHex)

	serialized, err := svc.EncryptString("round trip me")
	if err != nil {
		t.Fatalf("EncryptString failed: %v", err)
	}

	// The serialized form is a JSON envelope, not plaintext
	var env Envelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		t.Fatalf("Serialized envelope is not valid JSON: %v", err)
	}
	if strings.Contains(serialized, "round trip me") {
		t.Error("Plaintext leaked into serialized envelope")
	}

	out, err := svc.DecryptString(serialized)
	if err != nil {
		t.Fatalf("DecryptString failed: %v", err)
	}
	if out != "round trip me" {
		t.Errorf("Expected 'round trip me', got %q", out)
	}
}

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(key))
	}
	if _, err := NewEncryptionService(key); err != nil {
		t.Errorf("Generated key rejected: %v", err)
	}
}

// flipBase64 decodes, flips one bit, and re-encodes a base64 field.
func flipBase64(t *testing.T, s string) string {
	t.Helper()
	data := []byte(s)
	// Flip within the base64 alphabet by swapping the first character
	if data[0] == 'A' {
		data[0] = 'B'
	} else {
		data[0] = 'A'
	}
	return string(data)
}
