// Package security provides the per-user encryption gate.
//
// DESIGN: Conversation text is encrypted at rest so that storage-console
// access alone never reveals plaintext. Keys are derived per user from
// (owner name, deployment salt) via PBKDF2 and cached, since derivation is
// deliberately expensive. Ciphertext carries a literal "ENC:" marker;
// unmarked values decrypt to themselves, which keeps pre-encryption rows
// readable and lets plaintext and ciphertext coexist during migration.
//
// Encryption is never a hard dependency of chat: with no key available the
// gate degrades to plaintext passthrough rather than failing the request.
package security

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
	// Marker prefixes every encrypted value. Its absence means plaintext.
	Marker = "ENC:"

	pbkdf2Iterations = 100_000
	keyLen           = 32 // AES-256
	nonceLen         = 12 // GCM standard nonce
)

// ErrDecryptFailed reports ciphertext that carried the marker but could not
// be decrypted (corrupted data or wrong key). Callers must be able to tell
// this apart from an empty message, so it is never swallowed.
var ErrDecryptFailed = errors.New("decrypt failed")

// Key is a derived AES-256-GCM key.
type Key []byte

// Gate derives, caches and applies per-user keys. Safe for concurrent use.
type Gate struct {
	salt string

	mu   sync.RWMutex
	keys map[string]Key // owner name -> derived key
}

// NewGate creates a gate for the given deployment salt.
func NewGate(salt string) *Gate {
	return &Gate{
		salt: salt,
		keys: make(map[string]Key),
	}
}

// DeriveKey returns the AES key for an owner, deriving and caching it on
// first use. Deterministic for a given (ownerName, salt) pair.
func (g *Gate) DeriveKey(ownerName string) Key {
	g.mu.RLock()
	key, ok := g.keys[ownerName]
	g.mu.RUnlock()
	if ok {
		return key
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if key, ok := g.keys[ownerName]; ok {
		return key
	}
	key = pbkdf2.Key([]byte(ownerName), []byte(g.salt), pbkdf2Iterations, keyLen, sha256.New)
	g.keys[ownerName] = key
	return key
}

// Encrypt AES-GCM-encrypts plaintext under key with a fresh random nonce.
// Output is Marker + base64(nonce || ciphertext).
func Encrypt(plaintext string, key Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Marker + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the marker are returned unchanged
// (plaintext passthrough). A marked value that fails to decrypt returns
// ErrDecryptFailed, never garbage or an empty string.
func Decrypt(value string, key Key) (string, error) {
	if !strings.HasPrefix(value, Marker) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(Marker):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < nonceLen {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// EncryptIfKey encrypts only when a key is available; local deployments
// without a durable per-user secret store plaintext.
func EncryptIfKey(value string, key Key) (string, error) {
	if key == nil {
		return value, nil
	}
	return Encrypt(value, key)
}

// DecryptIfKey decrypts only when a key is available. With no key, marked
// values pass through untouched.
func DecryptIfKey(value string, key Key) (string, error) {
	if key == nil {
		return value, nil
	}
	return Decrypt(value, key)
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
