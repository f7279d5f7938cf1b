// Package secretcrypto encrypts printer LAN access codes at rest.
//
// This is a deliberately narrow adaptation of the teacher's BYOK
// encryption hierarchy (security.go): the teacher's version keyed a
// per-org data-encryption-key cache off a master key, for multi-tenant
// key isolation. This system has no tenants (see spec's Non-goals), so
// there is exactly one symmetric key — APP_SECRET_KEY — and no DEK
// cache. The Vault client, mTLS transport, and data-residency enforcer
// that lived alongside BYOKEncryptor in the teacher are not carried
// here; see DESIGN.md for why.
package secretcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Codec encrypts and decrypts printer access codes with a single
// 256-bit symmetric key.
type Codec struct {
	key []byte
}

// NewCodec derives a codec from APP_SECRET_KEY. The key must decode
// (base64) to exactly 32 bytes.
func NewCodec(masterKeyB64 string) (*Codec, error) {
	if masterKeyB64 == "" {
		return nil, errors.New("secretcrypto: APP_SECRET_KEY is not set")
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: decode APP_SECRET_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secretcrypto: APP_SECRET_KEY must decode to 256 bits, got %d bytes", len(key))
	}
	return &Codec{key: key}, nil
}

// Encrypt returns the base64-encoded AES-256-GCM ciphertext of plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretcrypto: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Never log the returned value — it is the
// plaintext LAN access code.
func (c *Codec) Decrypt(ciphertextB64 string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("secretcrypto: decode ciphertext: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("secretcrypto: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secretcrypto: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (c *Codec) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
