package state

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

const saltSize = 16

var errCiphertextTooShort = errors.New("ciphertext too short")

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
}

// EncryptPassword seals a database password with a key derived from
// passphrase. The result is base64(salt | nonce | ciphertext).
func EncryptPassword(plain, passphrase string) (string, error) {
	if plain == "" {
		return "", nil
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptPassword reverses EncryptPassword.
func DecryptPassword(encoded, passphrase string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode password: %w", err)
	}
	if len(data) < saltSize {
		return "", errCiphertextTooShort
	}
	gcm, err := newGCM(passphrase, data[:saltSize])
	if err != nil {
		return "", err
	}
	data = data[saltSize:]
	if len(data) < gcm.NonceSize() {
		return "", errCiphertextTooShort
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
