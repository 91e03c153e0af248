package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Salts keep derived keys distinct per data domain, so one configured secret
// never yields the same AES key for two kinds of payload.
const (
	RedeemPayloadSalt = "redeem-code-salt"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// PayloadCipher encrypts short secrets with AES-256-GCM.
// Wire format: base64(nonce || tag || ciphertext).
type PayloadCipher struct {
	gcm cipher.AEAD
}

// NewPayloadCipher derives a 32-byte key from secret with scrypt and the
// given domain salt.
func NewPayloadCipher(secret, salt string) (*PayloadCipher, error) {
	if secret == "" {
		return nil, errors.New("encryption key is not configured")
	}

	key, err := scrypt.Key([]byte(secret), []byte(salt), 1<<14, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &PayloadCipher{gcm: gcm}, nil
}

// Encrypt returns "" for empty input
func (c *PayloadCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; move it in front.
	sealed := c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, gcmNonceSize+gcmTagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt accepts output of Encrypt; "" decrypts to ""
func (c *PayloadCipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < gcmNonceSize+gcmTagSize {
		return "", errors.New("ciphertext too short")
	}

	nonce := data[:gcmNonceSize]
	tag := data[gcmNonceSize : gcmNonceSize+gcmTagSize]
	ct := data[gcmNonceSize+gcmTagSize:]

	sealed := make([]byte, 0, len(ct)+gcmTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	pt, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("gcm open: %w", err)
	}
	return string(pt), nil
}
