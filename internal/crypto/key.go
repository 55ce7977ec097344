package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyHandle is an imported AES-256 key. The raw key bytes are not retained
// and cannot be read back; the handle can only run the chunk cipher.
type KeyHandle struct {
	block cipher.Block
	hash  string
}

// ImportKey builds a handle from raw key material and wipes raw.
func ImportKey(raw []byte) (*KeyHandle, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	h := KeyHash(raw)
	Wipe(raw)
	return &KeyHandle{block: block, hash: h}, nil
}

// Hash returns the sha256 hex of the key the handle was imported from.
func (k *KeyHandle) Hash() string {
	return k.hash
}

// String never prints key material.
func (k *KeyHandle) String() string {
	return "KeyHandle(" + k.hash[:8] + ")"
}

// KeyHash returns the lookup hash of raw key material.
func KeyHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Wipe zeroes b.
func Wipe(b []byte) {
	clear(b)
}
