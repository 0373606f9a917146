// Package crypto encrypts credentials at rest in the enc:v1 format:
// enc:v1:<iv b64>:<tag b64>:<ciphertext b64> using AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const prefix = "enc:v1:"

const (
	ivSize  = 12
	tagSize = 16
)

var ErrMalformed = errors.New("malformed encrypted value")

// Box seals and opens secrets with a single derived key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32 byte key from raw. A base64 or hex string decoding to
// exactly 32 bytes is used as is; anything else is hashed with SHA-256.
func NewBox(raw string) (*Box, error) {
	if raw == "" {
		return nil, errors.New("encryption key is empty")
	}
	block, err := aes.NewCipher(deriveKey(raw))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

func deriveKey(raw string) []byte {
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// IsEncrypted reports whether v carries the enc:v1 prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, prefix)
}

func (b *Box) Encrypt(plain string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nil, iv, []byte(plain), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	enc := base64.StdEncoding
	return prefix + enc.EncodeToString(iv) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(data), nil
}

// Decrypt opens an enc:v1 value. Values without the prefix are returned
// unchanged so rows written before encryption keep working.
func (b *Box) Decrypt(v string) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	parts := strings.Split(strings.TrimPrefix(v, prefix), ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformed
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformed
	}
	data, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	plain, err := b.aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
