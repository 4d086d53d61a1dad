// Package crypto holds the credential and payload primitives used between
// peers: Argon2id hashing of peer tokens, and AES-256-GCM sealing of
// transmission files with a passphrase-derived key.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// keyLen is the AES-256 key length in bytes.
	keyLen = 32
	// nonceLen is the GCM nonce length in bytes.
	nonceLen = 12
	// saltLen is the Argon2id salt length in bytes.
	saltLen = 16

	// Argon2id parameters.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// sealMagic prefixes sealed payloads so Open can tell them from plain XML.
var sealMagic = []byte("MSYNC1")

// GenerateToken returns a random peer token.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return "ms_" + hex.EncodeToString(b), nil
}

// HashToken returns an encoded Argon2id hash of token:
// argon2id$<salt>$<hash>, both base64.
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("random salt: %w", err)
	}
	sum := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
	return "argon2id$" + base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(sum), nil
}

// VerifyToken reports whether token matches an encoded hash.
func VerifyToken(token, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Encrypt encrypts plaintext using AES-256-GCM with a 256-bit key.
// Returns nonce || ciphertext (nonce is prepended).
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != keyLen {
		return nil, errors.New("key must be 32 bytes")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != keyLen {
		return nil, errors.New("key must be 32 bytes")
	}
	if len(ciphertext) < nonceLen {
		return nil, errors.New("ciphertext too short")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a payload with a key derived from passphrase. The output is
// magic || salt || nonce || ciphertext.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("random salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
	ct, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealMagic)+len(salt)+len(ct))
	out = append(out, sealMagic...)
	out = append(out, salt...)
	return append(out, ct...), nil
}

// IsSealed reports whether data was produced by Seal.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// Open reverses Seal.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, errors.New("payload is not sealed")
	}
	rest := sealed[len(sealMagic):]
	if len(rest) < saltLen+nonceLen {
		return nil, errors.New("sealed payload too short")
	}
	key := argon2.IDKey([]byte(passphrase), rest[:saltLen], argonTime, argonMemory, argonThreads, keyLen)
	return Decrypt(key, rest[saltLen:])
}
