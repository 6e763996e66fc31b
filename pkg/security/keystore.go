package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/garrisonhq/garrison/pkg/storage"
)

// Keystore holds the CA's signing material. The production deployment backs
// this with the external secret store; EncryptedKeystore below is the
// embedded implementation for single-binary and test setups.
type Keystore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// EncryptedKeystore stores entries in the bolt keystore bucket, sealed with
// AES-256-GCM under an injected key. The key is scoped to the instance, never
// process-wide state.
type EncryptedKeystore struct {
	store storage.Store
	key   []byte // 32 bytes for AES-256
}

// NewEncryptedKeystore creates a keystore sealing entries with the given key.
// The key must be 32 bytes for AES-256-GCM.
func NewEncryptedKeystore(store storage.Store, key []byte) (*EncryptedKeystore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &EncryptedKeystore{
		store: store,
		key:   append([]byte(nil), key...),
	}, nil
}

// DeriveKeystoreKey derives a 32-byte keystore key from a passphrase.
func DeriveKeystoreKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// Put seals and persists an entry.
func (k *EncryptedKeystore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the ciphertext.
	sealed := gcm.Seal(nonce, nonce, data, nil)
	return k.store.PutKeystoreEntry(name, sealed)
}

// Get loads and opens an entry.
func (k *EncryptedKeystore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sealed, err := k.store.GetKeystoreEntry(name)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	data, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return data, nil
}
