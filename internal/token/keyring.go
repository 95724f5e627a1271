package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// Keyring holds the AES-256-GCM keys credentials are encrypted under, by
// key version. Exactly one version is active for encryption; every version
// remains valid for decryption so rotation never interrupts in-flight
// syncs.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[int][]byte
	active int
}

// NewKeyring builds a keyring from version->key material. Every key must be
// 32 bytes; active must be present in keys.
func NewKeyring(active int, keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring requires at least one key")
	}
	for version, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key version %d must be 32 bytes, got %d", version, len(key))
		}
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("active key version %d not present in keyring", active)
	}
	copied := make(map[int][]byte, len(keys))
	for v, k := range keys {
		copied[v] = append([]byte(nil), k...)
	}
	return &Keyring{keys: copied, active: active}, nil
}

// ActiveVersion returns the version new encryptions use.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// AddKey registers a new key version and makes it active. Existing versions
// stay available for decryption.
func (k *Keyring) AddKey(version int, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("key version %d must be 32 bytes, got %d", version, len(key))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[version]; exists {
		return fmt.Errorf("key version %d already registered", version)
	}
	k.keys[version] = append([]byte(nil), key...)
	k.active = version
	return nil
}

// Encrypt seals plaintext under the active key and returns the blob
// (nonce || ciphertext || tag) with the version it was sealed under.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, int, error) {
	k.mu.RLock()
	version := k.active
	key := k.keys[version]
	k.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), version, nil
}

// Decrypt opens a blob sealed by Encrypt under the given key version.
func (k *Keyring) Decrypt(blob []byte, version int) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key for version %d", version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey returns a fresh 32-byte key. Call once per rotation and store
// the result securely; the key must be persistent across restarts.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded 32-byte key, e.g. from config.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
