package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"sessionchat/internal/constants"
)

const (
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
	minSecret  = 32
)

// encryptor seals record bodies with AES-GCM. A nil gcm passes data through.
type encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor(enabled bool) (*encryptor, error) {
	if !enabled {
		return &encryptor{gcm: nil}, nil
	}

	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Enabled() bool {
	return e.gcm != nil
}

// Encrypt returns nonce||ciphertext.
func (e *encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *encryptor) Decrypt(data []byte) ([]byte, error) {
	if e.gcm == nil {
		return data, nil
	}

	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv("SESSIONCHAT_ENCRYPTION_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("SESSIONCHAT_ENCRYPTION_SECRET environment variable is required when encryption is enabled")
	}

	if len(secret) < minSecret {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecret)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), iterations, keySize, sha256.New), nil
}
