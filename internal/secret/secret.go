// Package secret provides AES-GCM encryption for upstream credentials and
// revealable API keys, plus the deployment-wide salt for key hashing.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Box encrypts and decrypts short secrets with a key derived from
// ENCRYPTION_KEY.
type Box struct {
	aead cipher.AEAD
	salt string
}

// New derives a 256-bit AES key from the given material and returns a Box.
// The material itself never leaves memory; both the cipher key and the hash
// salt are domain-separated derivations of it.
func New(material string) (*Box, error) {
	if material == "" {
		return nil, errors.New("encryption key is required")
	}
	key := sha256.Sum256([]byte("autorouter.cipher.v1:" + material))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	saltSum := sha256.Sum256([]byte("autorouter.salt.v1:" + material))
	return &Box{aead: aead, salt: hex.EncodeToString(saltSum[:16])}, nil
}

// Salt returns the stable salt used for API key hashing.
func (b *Box) Salt() string { return b.salt }

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(enc string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("ciphertext too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}
