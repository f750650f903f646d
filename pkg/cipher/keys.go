package cipher

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	privateKeyPEMType = "X25519 PRIVATE KEY"

	// KeySize is the raw X25519 key length in bytes.
	KeySize = 32

	// SessionIDPrefix marks an X25519 key inside a session identifier.
	SessionIDPrefix = "05"
)

// KeyPair is the local identity key pair.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// SessionID returns the identifier peers use to address this key pair.
func (k KeyPair) SessionID() string {
	return SessionIDPrefix + hex.EncodeToString(k.Public[:])
}

// GenerateKeyPair creates a new X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate X25519 key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// EnsureKeyPair loads the key pair PEM at path, generating it if absent.
func EnsureKeyPair(path string) (KeyPair, bool, error) {
	kp, err := LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return KeyPair{}, false, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return KeyPair{}, false, err
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return KeyPair{}, false, err
	}
	return kp, true, nil
}

// LoadKeyPair reads an X25519 private key from PEM and derives its public key.
func LoadKeyPair(path string) (KeyPair, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - Key path validated by config
	if err != nil {
		return KeyPair{}, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return KeyPair{}, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != privateKeyPEMType {
		return KeyPair{}, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return KeyPair{}, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	var priv [KeySize]byte
	copy(priv[:], block.Bytes)
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive X25519 public key: %w", err)
	}
	var pub [KeySize]byte
	copy(pub[:], pubBytes)

	return KeyPair{Public: &pub, Private: &priv}, nil
}

// SaveKeyPair writes the private key as PEM with 0600 permissions.
func SaveKeyPair(path string, kp KeyPair) error {
	block := &pem.Block{
		Type:  privateKeyPEMType,
		Bytes: kp.Private[:],
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}
	return nil
}

// ParsePublicKey decodes a hex public key, with or without the session
// prefix.
func ParsePublicKey(s string) (*[KeySize]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*KeySize+len(SessionIDPrefix) && strings.HasPrefix(s, SessionIDPrefix) {
		s = s[len(SessionIDPrefix):]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(raw))
	}
	var out [KeySize]byte
	copy(out[:], raw)
	return &out, nil
}

// ValidKeyLength reports whether s has the length of a hex X25519 key,
// bare or session-prefixed.
func ValidKeyLength(s string) bool {
	n := len(strings.TrimSpace(s))
	return n == 2*KeySize || n == 2*KeySize+len(SessionIDPrefix)
}
