package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// sealedPrefix marks values produced by TokenCipher.Seal.
const sealedPrefix = "enc:v1:"

func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		slog.Info(err.Error())
		return "", err
	}

	// nonce || ciphertext
	sealed := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encryptedData string, key []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	return string(plaintext), nil
}

// TokenCipher seals OAuth tokens before they are persisted.
// A TokenCipher with an empty key stores values as given.
type TokenCipher struct {
	key []byte
}

func NewTokenCipher(key string) (*TokenCipher, error) {
	switch len(key) {
	case 0, 16, 24, 32:
		return &TokenCipher{key: []byte(key)}, nil
	}
	return nil, errors.New("token key must be 16, 24 or 32 bytes")
}

// ErrSealedInput reports a value that looks sealed but cannot be, because no
// key is configured.
var ErrSealedInput = errors.New("value carries the sealed prefix but no token key is configured")

// Seal encrypts value. A value that already carries the sealed prefix is
// encrypted like any other, so Open returns exactly what was passed in.
func (c *TokenCipher) Seal(value string) (string, error) {
	if value == "" {
		return value, nil
	}
	if c == nil || len(c.key) == 0 {
		if strings.HasPrefix(value, sealedPrefix) {
			return "", ErrSealedInput
		}
		return value, nil
	}
	enc, err := Encrypt([]byte(value), c.key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + enc, nil
}

// Open returns value unchanged when it was not produced by Seal.
func (c *TokenCipher) Open(value string) (string, error) {
	enc, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	if c == nil || len(c.key) == 0 {
		return "", errors.New("sealed token but no key configured")
	}
	return Decrypt(enc, c.key)
}
