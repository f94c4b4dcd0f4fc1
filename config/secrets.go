package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/zeebo/errs"
)

// ErrDecryptionFailure is returned by Decrypt when ciphertext cannot be
// authenticated against the process-wide encryption key.
var ErrDecryptionFailure = Class.New("decryption failure")

// Cipher wraps the process-wide AES-GCM key used to decrypt tenant
// secret columns. A tenant's anon_key/service_key/jwt_secret are stored
// as ciphertext in the tenants table and only ever decrypted through
// this type.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher derives an AES-GCM AEAD from key. key must be 16, 24, or 32
// bytes (AES-128/192/256).
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Class.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Class.Wrap(err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt returns a base64-encoded "nonce||ciphertext" blob.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", Class.Wrap(err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It returns ErrDecryptionFailure if the
// ciphertext fails authentication (wrong key, truncated, or tampered).
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	nonceSize := c.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrDecryptionFailure
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plaintext), nil
}
