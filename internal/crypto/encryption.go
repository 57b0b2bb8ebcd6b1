// Package crypto seals account credentials (IMAP/SMTP passwords and OAuth
// access tokens) before they are stored.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required length of a decoded key (AES-256).
const KeySize = 32

// ErrUndecryptable is returned when no configured key opens a ciphertext.
var ErrUndecryptable = errors.New("ciphertext cannot be decrypted with any configured key")

// Encryptor seals credentials with AES-GCM. The ciphertext format is
// [nonce][encrypted_data][auth_tag].
//
// New values are always sealed with the primary key. Previous keys are only
// tried when opening, which lets the primary key be rotated without
// re-encrypting every stored account first.
type Encryptor struct {
	primary  cipher.AEAD
	fallback []cipher.AEAD
}

// NewEncryptor creates an Encryptor from a base64 primary key and any number of
// base64 keys that were primary before.
func NewEncryptor(base64Key string, previousKeys ...string) (*Encryptor, error) {
	primary, err := newAEAD(base64Key)
	if err != nil {
		return nil, err
	}

	e := &Encryptor{primary: primary}
	for i, k := range previousKeys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i+1, err)
		}
		e.fallback = append(e.fallback, aead)
	}
	return e, nil
}

func newAEAD(base64Key string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

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

// Encrypt seals plaintext with the primary key and a fresh random nonce,
// so equal plaintexts never produce equal ciphertexts.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, e.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.primary.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a ciphertext sealed with the primary key or any previous key.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < e.primary.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	for _, aead := range append([]cipher.AEAD{e.primary}, e.fallback...) {
		nonceSize := aead.NonceSize()
		plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", fmt.Errorf("failed to decrypt: %w", ErrUndecryptable)
}
