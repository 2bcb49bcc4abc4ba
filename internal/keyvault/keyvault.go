// Package keyvault encrypts ephemeral session signing keys at rest.
//
// Session wallets hold real funds, so their private keys are never stored
// in plaintext. The Vault interface keeps the cipher pluggable: the local
// AES-256-GCM backend is suitable for single-operator deployments, a
// managed secret store can be dropped in behind the same interface.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey = errors.New("keyvault: master key must be 32 bytes")
	ErrDecrypt    = errors.New("keyvault: ciphertext corrupt or wrong key")
)

// EncryptedKey is the at-rest form of a session private key.
// Ciphertext and IV are hex-encoded for storage in text columns.
type EncryptedKey struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Vault encrypts and decrypts session key material.
type Vault interface {
	Encrypt(plaintext []byte) (*EncryptedKey, error)
	Decrypt(enc *EncryptedKey) ([]byte, error)
}

// AESVault is a local AES-256-GCM Vault.
type AESVault struct {
	key []byte
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault from a hex-encoded 32-byte master key.
func NewAESVault(masterKeyHex string) (*AESVault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	return &AESVault{key: key}, nil
}

func (v *AESVault) Encrypt(plaintext []byte) (*EncryptedKey, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: gcm init: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("keyvault: iv generation: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	return &EncryptedKey{
		Ciphertext: hex.EncodeToString(sealed),
		IV:         hex.EncodeToString(iv),
	}, nil
}

func (v *AESVault) Decrypt(enc *EncryptedKey) ([]byte, error) {
	sealed, err := hex.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	iv, err := hex.DecodeString(enc.IV)
	if err != nil {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: gcm init: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zero overwrites key material in place. Callers must invoke it (typically
// via defer) as soon as a decrypted key has served its single signing call.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
