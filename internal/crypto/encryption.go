package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	// AlgorithmAESGCM identifies the only cipher currently written.
	AlgorithmAESGCM = "aes-256-gcm"

	keySize   = 32 // AES-256
	saltSize  = 16 // per-record salt
	nonceSize = 12 // GCM standard nonce
	tagSize   = 16 // GCM auth tag

	// appSalt is the fixed application-level salt for passphrase derivation.
	// Record keys additionally use a fresh random salt per encryption.
	appSalt = "vigil-master-kdf-v1"

	hkdfInfo = "vigil-record-key"
)

// ErrIntegrity is returned when an authentication check fails during
// decryption. The store must never return unauthenticated plaintext.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

// Envelope is the persisted form of one encrypted value. All fields are
// required to decrypt; the auth tag is stored separately so tampering with
// any component is detectable.
type Envelope struct {
	Ciphertext string `json:"ct"`   // base64
	IV         string `json:"iv"`   // base64 nonce
	Tag        string `json:"tag"`  // base64, 16 bytes
	Salt       string `json:"salt"` // base64 per-record salt
	Algorithm  string `json:"alg"`
}

// EncryptionService encrypts and decrypts user data at rest.
// Every call derives a record-specific key from the master key and a fresh
// random salt, so no two records share a derived key even under master-key
// reuse.
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService creates a service from a 32-byte hex-encoded master key.
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex characters), got %d bytes", keySize, keySize*2, len(masterKey))
	}

	return &EncryptionService{masterKey: masterKey}, nil
}

// NewEncryptionServiceFromPassphrase derives the master key from a passphrase
// using scrypt with the fixed application salt. iterations is the scrypt N
// parameter and must be a power of two (e.g. 32768).
func NewEncryptionServiceFromPassphrase(passphrase string, iterations int) (*EncryptionService, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase is required")
	}
	if iterations <= 1 || iterations&(iterations-1) != 0 {
		return nil, fmt.Errorf("scrypt iterations must be a power of two > 1, got %d", iterations)
	}

	masterKey, err := scrypt.Key([]byte(passphrase), []byte(appSalt), iterations, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	return &EncryptionService{masterKey: masterKey}, nil
}

// deriveRecordKey derives the per-record key from the master key and salt
// using HKDF-SHA256.
func (e *EncryptionService) deriveRecordKey(salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, e.masterKey, salt, []byte(hkdfInfo))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive record key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under a fresh per-record key and returns the
// persistable envelope.
func (e *EncryptionService) Encrypt(plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := e.deriveRecordKey(salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// gcm.Seal appends the tag; split it out so the envelope stores it separately
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

// Decrypt re-derives the record key, verifies the auth tag and returns the
// plaintext. Any authentication failure returns ErrIntegrity.
func (e *EncryptionService) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("unsupported algorithm: %s", env.Algorithm)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tag: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed envelope", ErrIntegrity)
	}

	key, err := e.deriveRecordKey(salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		// Wrong key or tampered data — fail loud, never return garbage
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	return plaintext, nil
}

// EncryptString encrypts a string and returns the JSON-serialized envelope.
func (e *EncryptionService) EncryptString(plaintext string) (string, error) {
	env, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return string(data), nil
}

// DecryptString decrypts a JSON-serialized envelope back to a string.
func (e *EncryptionService) DecryptString(serialized string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		return "", fmt.Errorf("failed to parse envelope: %w", err)
	}
	plaintext, err := e.Decrypt(&env)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateMasterKey generates a new random 32-byte master key (for setup).
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
