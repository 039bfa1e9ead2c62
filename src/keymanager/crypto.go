package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	derivedKeyLen    = 32
)

// derivation of the AES key is expensive; cache it per (secret, salt) for
// the life of the process.
var derivedKeys sync.Map

// Cipher encrypts key material at rest with AES-256-GCM, the key derived
// from the platform secret via PBKDF2.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	cacheKey := secret + "\x00" + salt
	var derived []byte
	if cached, ok := derivedKeys.Load(cacheKey); ok {
		derived = cached.([]byte)
	} else {
		derived = pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, derivedKeyLen, sha256.New)
		derivedKeys.Store(cacheKey, derived)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// GenerateMaterial returns fresh opaque key material.
func GenerateMaterial() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// MaskSecret is the single masking helper for audit logs and outbound error
// payloads: first 4 and last 4 characters kept, the middle starred.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
