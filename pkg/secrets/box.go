// Package secrets encrypts provider credentials at the application layer.
//
// Ciphertext format is "v1|iv|tag|ct" with each segment base64-encoded.
// Two key slots are supported: writes always use the current key; reads try
// current first, then previous, so that a deployment can rotate keys without
// downtime.
package secrets

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

const formatVersion = "v1"

// ErrDecrypt is returned when no configured key can open the ciphertext.
var ErrDecrypt = errors.New("secrets: decryption failed")

// Box seals and opens credential blobs with AES-256-GCM.
type Box struct {
	current  []byte
	previous []byte // nil when no rotation is in progress
}

// NewBox creates a Box. current must be 32 bytes; previous may be nil.
func NewBox(current, previous []byte) (*Box, error) {
	if len(current) != 32 {
		return nil, fmt.Errorf("secrets: current key must be 32 bytes, got %d", len(current))
	}
	if previous != nil && len(previous) != 32 {
		return nil, fmt.Errorf("secrets: previous key must be 32 bytes, got %d", len(previous))
	}
	return &Box{current: current, previous: previous}, nil
}

// Encrypt seals plaintext under the current key.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(b.current)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("secrets: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Seal appends the 16-byte tag to the ciphertext.
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	enc := base64.StdEncoding
	return strings.Join([]string{
		formatVersion,
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, "|"), nil
}

// Decrypt opens ciphertext, trying the current key first and then the
// previous key if one is configured.
func (b *Box) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, "|")
	if len(parts) != 4 || parts[0] != formatVersion {
		return nil, fmt.Errorf("secrets: malformed ciphertext")
	}

	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("secrets: decode iv: %w", err)
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("secrets: decode tag: %w", err)
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("secrets: decode ciphertext: %w", err)
	}

	sealed := append(append([]byte{}, ct...), tag...)

	for _, key := range [][]byte{b.current, b.previous} {
		if key == nil {
			continue
		}
		plaintext, err := open(key, iv, sealed)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrDecrypt
}

// ReEncrypt decrypts with any configured key and re-seals under the current
// key. Used by the rotation tool.
func (b *Box) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := b.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return b.Encrypt(plaintext)
}

func open(key, iv, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, errors.New("bad iv length")
	}
	return gcm.Open(nil, iv, sealed, nil)
}
