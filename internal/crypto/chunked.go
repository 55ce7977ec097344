// Package crypto holds the chunk cipher and the small primitives built
// around it: counter-block derivation, non-extractable key handles, sealed
// local records and HTTP range parsing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the shared per-file IV length. The counter block appends a
	// 4-byte chunk index to it.
	IVSize = 12
	// CounterBlockSize is the AES block size.
	CounterBlockSize = aes.BlockSize

	// DefaultChunkSize is the plaintext window encrypted as one chunk.
	DefaultChunkSize = 1 << 20
	// MaxChunkSize caps adaptive chunk sizing.
	MaxChunkSize = 100 << 20
	// TargetChunkCount is the chunk count adaptive sizing aims to stay under.
	TargetChunkCount = 16
)

var (
	ErrInvalidKey = errors.New("crypto: invalid key")
	ErrInvalidIV  = errors.New("crypto: invalid iv")
)

// CounterBlock returns the initial CTR block for chunk index: the shared IV
// followed by the big-endian index. Blocks of one file differ only in their
// low 4 bytes and increase with the index.
func CounterBlock(iv []byte, index uint32) ([CounterBlockSize]byte, error) {
	var block [CounterBlockSize]byte
	if len(iv) != IVSize {
		return block, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidIV, IVSize, len(iv))
	}
	copy(block[:IVSize], iv)
	binary.BigEndian.PutUint32(block[IVSize:], index)
	return block, nil
}

// advance adds n to the 128-bit big-endian counter, matching how CTR mode
// increments between blocks.
func advance(block *[CounterBlockSize]byte, n uint64) {
	lo := binary.BigEndian.Uint64(block[8:])
	hi := binary.BigEndian.Uint64(block[:8])
	sum := lo + n
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(block[8:], sum)
	binary.BigEndian.PutUint64(block[:8], hi)
}

// NewKey returns a fresh random AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// NewIV returns a fresh random shared IV.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}

// EncryptChunk encrypts one plaintext window under the chunk's own counter
// block. dst may alias src.
func (k *KeyHandle) EncryptChunk(dst, src, iv []byte, index uint32) error {
	return k.xor(dst, src, iv, index, 0)
}

// DecryptChunk is the inverse of EncryptChunk; CTR is symmetric.
func (k *KeyHandle) DecryptChunk(dst, src, iv []byte, index uint32) error {
	return k.xor(dst, src, iv, index, 0)
}

// DecryptRange decrypts only ciphertext[localStart:localEnd+1] of a chunk,
// seeking the keystream instead of decrypting the prefix.
func (k *KeyHandle) DecryptRange(ciphertext, iv []byte, index uint32, localStart, localEnd int64) ([]byte, error) {
	if localStart < 0 || localEnd < localStart || localEnd >= int64(len(ciphertext)) {
		return nil, fmt.Errorf("crypto: range [%d,%d] outside chunk of %d bytes", localStart, localEnd, len(ciphertext))
	}
	src := ciphertext[localStart : localEnd+1]
	out := make([]byte, len(src))
	if err := k.xor(out, src, iv, index, localStart); err != nil {
		return nil, err
	}
	return out, nil
}

func (k *KeyHandle) xor(dst, src, iv []byte, index uint32, offset int64) error {
	if len(dst) < len(src) {
		return fmt.Errorf("crypto: destination too short: %d < %d", len(dst), len(src))
	}
	ctr, err := CounterBlock(iv, index)
	if err != nil {
		return err
	}
	advance(&ctr, uint64(offset)/CounterBlockSize)
	stream := cipher.NewCTR(k.block, ctr[:])
	if skip := offset % CounterBlockSize; skip > 0 {
		var discard [CounterBlockSize]byte
		stream.XORKeyStream(discard[:skip], discard[:skip])
	}
	stream.XORKeyStream(dst[:len(src)], src)
	return nil
}

// AdaptiveChunkSize doubles base while a file of size bytes would need more
// than TargetChunkCount chunks, never exceeding MaxChunkSize.
func AdaptiveChunkSize(size, base int64) int64 {
	if base <= 0 {
		base = DefaultChunkSize
	}
	chunk := base
	for chunk < MaxChunkSize && size/chunk > TargetChunkCount {
		chunk *= 2
	}
	return min(chunk, max(base, MaxChunkSize))
}
