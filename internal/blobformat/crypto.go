package blobformat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// EncryptedMagic starts every at-rest encrypted blob (version 1).
var EncryptedMagic = []byte("EYED1")

const nonceSize = 12

// scrypt parameters for passphrase-derived keys. The salt is fixed so every
// process derives the same key from the same passphrase.
var kdfSalt = []byte("eyed.template.v1")

const (
	kdfN = 32768
	kdfR = 8
	kdfP = 1
)

// Cipher applies the optional AES-256-GCM at-rest envelope around template
// blobs. A nil Cipher passes plaintext through unchanged and refuses to
// decrypt EYED1 data.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured key material. Key takes an
// explicit 32-byte key as 64 hex chars or 44 base64 chars and wins over
// passphrase; passphrase derives the key via scrypt. Both empty returns
// (nil, nil): encryption disabled.
func NewCipher(key, passphrase string) (*Cipher, error) {
	var raw []byte
	switch {
	case key != "":
		var err error
		raw, err = hex.DecodeString(key)
		if err != nil {
			raw, err = base64.StdEncoding.DecodeString(key)
			if err != nil {
				return nil, fmt.Errorf("encryption key is neither hex nor base64")
			}
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
		}
	case passphrase != "":
		var err error
		raw, err = scrypt.Key([]byte(passphrase), kdfSalt, kdfN, kdfR, kdfP, 32)
		if err != nil {
			return nil, fmt.Errorf("derive key from passphrase: %w", err)
		}
	default:
		return nil, nil
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled reports whether blobs will actually be encrypted.
func (c *Cipher) Enabled() bool { return c != nil && c.aead != nil }

// Encrypt seals plaintext into EYED1 || nonce || ciphertext+tag. Plaintext
// passes through unchanged when encryption is disabled.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(EncryptedMagic)+nonceSize+len(plaintext)+c.aead.Overhead())
	out = append(out, EncryptedMagic...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt unwraps an EYED1 envelope. Legacy plaintext blobs (NPZ, HEv1, or
// anything without the EYED1 prefix) pass through unchanged. Encrypted data
// without a configured key is an error.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || !bytes.HasPrefix(data, EncryptedMagic) {
		return data, nil
	}
	if !c.Enabled() {
		return nil, fmt.Errorf("blob is encrypted but no encryption key is configured")
	}
	rest := data[len(EncryptedMagic):]
	if len(rest) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("encrypted blob too short (%d bytes)", len(data))
	}
	nonce := rest[:nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, rest[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}
