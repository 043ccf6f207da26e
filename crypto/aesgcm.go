// Package crypto holds the AES-256-GCM envelope used for credential bundles
// at rest. Blobs carry their random nonce as a prefix so a key is all that is
// needed to open them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/reelgrab/reel-api/errors"
)

// Seal encrypts plaintext with AES-256-GCM. The random nonce is prepended to
// the ciphertext, mirroring how Open expects blobs at rest to look.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Tag(errors.KindInternal, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed AES-256-GCM blob.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.Tagf(errors.KindInvalidInput, "encrypted blob is too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Tagf(errors.KindInvalidInput, "encrypted blob failed authentication: %v", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.Tagf(errors.KindInvalidInput, "encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Tag(errors.KindInternal, err)
	}
	return cipher.NewGCM(block)
}
