package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const blindIndexInfo = "deid blind index v1"

// Sealer provides AES-256-GCM authenticated encryption for data at rest:
// audit log lines and the sealed originals kept for authorized re-identification.
// Associated data binds a ciphertext to its context (partition, mapping key) so a
// sealed blob cannot be replayed elsewhere.
type Sealer struct {
	aead     cipher.AEAD
	indexKey []byte
}

// ParseKey decodes a 64-character hex string into a 32-byte AES-256 key.
func ParseKey(name, key string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
	}
	return keyBytes, nil
}

// NewSealer creates a Sealer with the given 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: create GCM: %w", err)
	}

	indexKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(blindIndexInfo)), indexKey); err != nil {
		return nil, fmt.Errorf("sealer: derive index key: %w", err)
	}

	return &Sealer{aead: aead, indexKey: indexKey}, nil
}

// BlindIndex returns a keyed, deterministic digest of value for equality
// lookups on columns that must not hold the value itself. label separates
// columns so equal values in different columns do not match.
func (s *Sealer) BlindIndex(label, value string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(label))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encrypts data and returns the nonce prepended to the ciphertext.
func (s *Sealer) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return s.aead.Seal(nonce, nonce, data, aad), nil
}

// Open extracts the nonce from the front of data and decrypts the remainder.
func (s *Sealer) Open(data, aad []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("open: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

// SealString seals plaintext and returns it base64-encoded.
func (s *Sealer) SealString(plaintext string, aad []byte) (string, error) {
	sealed, err := s.Seal([]byte(plaintext), aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString decodes and opens a value produced by SealString.
func (s *Sealer) OpenString(encoded string, aad []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("open: base64 decode: %w", err)
	}
	plaintext, err := s.Open(data, aad)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
