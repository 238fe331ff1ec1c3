package chatup

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Cipher encrypts outbound plaintext and decrypts stored/pushed ciphertext.
// CipherText and IV are base64 strings on the wire. Implementations must be
// safe for concurrent use; the reconciler decrypts batches concurrently with
// live merges.
type Cipher interface {
	Encrypt(plaintext string) (cipherText, iv string, err error)
	Decrypt(cipherText, iv string) (string, error)
}

const secretBoxKeySize = 32

// SecretBoxCipher is an authenticated symmetric Cipher built on NaCl
// secretbox. The IV field carries the 24-byte nonce.
type SecretBoxCipher struct {
	key [secretBoxKeySize]byte
}

// NewSecretBoxCipher creates a cipher from a 32-byte symmetric key.
func NewSecretBoxCipher(key []byte) (*SecretBoxCipher, error) {
	if len(key) != secretBoxKeySize {
		return nil, fmt.Errorf("chatup: secretbox key must be %d bytes, got %d", secretBoxKeySize, len(key))
	}
	c := &SecretBoxCipher{}
	copy(c.key[:], key)
	return c, nil
}

// Encrypt seals the plaintext under a fresh random nonce.
func (c *SecretBoxCipher) Encrypt(plaintext string) (string, string, error) {
	if plaintext == "" {
		return "", "", errors.New("empty message")
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", "", err
	}

	sealed := secretbox.Seal(nil, []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// Decrypt opens and authenticates the ciphertext.
func (c *SecretBoxCipher) Decrypt(cipherText, iv string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("bad ciphertext encoding: %w", err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("bad nonce encoding: %w", err)
	}
	if len(rawNonce) != 24 {
		return "", fmt.Errorf("nonce must be 24 bytes, got %d", len(rawNonce))
	}

	var nonce [24]byte
	copy(nonce[:], rawNonce)

	plain, ok := secretbox.Open(nil, sealed, &nonce, &c.key)
	if !ok {
		return "", errors.New("message authentication failed")
	}
	return string(plain), nil
}

// Base64Cipher is the development cipher: plain base64 with a fixed IV, no
// confidentiality. It matches what the backend accepts when end-to-end
// encryption is disabled for an account.
type Base64Cipher struct{}

// Encrypt encodes the plaintext as base64.
func (Base64Cipher) Encrypt(plaintext string) (string, string, error) {
	return base64.StdEncoding.EncodeToString([]byte(plaintext)), "plain", nil
}

// Decrypt decodes the base64 payload, ignoring the IV.
func (Base64Cipher) Decrypt(cipherText, _ string) (string, error) {
	plain, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
