// Package manifest defines the metadata bundle and manifest shapes that
// describe a chunked, encrypted file, and their versioned binary encoding.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the shared IV length; the remaining 4 counter-block bytes
	// hold the chunk index.
	IVSize = 12
	// MaxChunks is the number of distinct chunk indices the 32-bit counter
	// suffix can address.
	MaxChunks int64 = 1 << 32
)

// FileMetadata describes the plaintext file.
type FileMetadata struct {
	Name      string `cbor:"name" json:"name"`
	Size      int64  `cbor:"size" json:"size"`
	Type      string `cbor:"type" json:"type"`
	ChunkSize int64  `cbor:"chunkSize" json:"chunkSize"`
}

// ChunkDescriptor locates one encrypted chunk in the content store.
type ChunkDescriptor struct {
	Address       string `cbor:"cid" json:"cid"`
	Offset        int64  `cbor:"offset" json:"offset"`
	Size          int64  `cbor:"size" json:"size"`
	EncryptedSize int64  `cbor:"encryptedSize" json:"encryptedSize"`
	Index         uint32 `cbor:"index" json:"index"`
}

// End returns the inclusive plaintext offset of the chunk's last byte.
func (d ChunkDescriptor) End() int64 {
	return d.Offset + d.Size - 1
}

// MetadataBundle is everything needed to decrypt one file.
type MetadataBundle struct {
	Key      []byte            `cbor:"key"`
	IV       []byte            `cbor:"iv"`
	FileHash string            `cbor:"fileHash"`
	KeyHash  string            `cbor:"keyHash"`
	File     FileMetadata      `cbor:"fileMetadata"`
	Chunks   []ChunkDescriptor `cbor:"chunks"`
}

// Validate checks the structural invariants of the bundle: key and IV
// lengths, key hash, and a contiguous, index-ordered chunk list whose sizes
// sum to the file size.
func (b *MetadataBundle) Validate() error {
	if len(b.Key) != KeySize {
		return fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidBundle, KeySize, len(b.Key))
	}
	if len(b.IV) != IVSize {
		return fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidBundle, IVSize, len(b.IV))
	}
	if got := HashBytes(b.Key); got != b.KeyHash {
		return &IntegrityError{Field: "keyHash", Want: b.KeyHash, Got: got}
	}
	return ValidateChunks(b.File, b.Chunks)
}

// Redact returns the bundle without key material.
func (b *MetadataBundle) Redact() Redacted {
	chunks := make([]ChunkDescriptor, len(b.Chunks))
	copy(chunks, b.Chunks)
	return Redacted{
		FileHash: b.FileHash,
		KeyHash:  b.KeyHash,
		File:     b.File,
		Chunks:   chunks,
	}
}

// Redacted is a bundle stripped of its key, safe to cache next to a key handle.
type Redacted struct {
	FileHash string            `cbor:"fileHash" json:"fileHash"`
	KeyHash  string            `cbor:"keyHash" json:"keyHash"`
	File     FileMetadata      `cbor:"fileMetadata" json:"fileMetadata"`
	Chunks   []ChunkDescriptor `cbor:"chunks" json:"chunks"`
}

// Descriptors returns the chunk list.
func (r Redacted) Descriptors() []ChunkDescriptor {
	return r.Chunks
}

// ValidateChunks checks that chunks tile [0, file.Size) in index order.
func ValidateChunks(file FileMetadata, chunks []ChunkDescriptor) error {
	if int64(len(chunks)) > MaxChunks {
		return ErrTooManyChunks
	}
	var next int64
	for i, c := range chunks {
		if uint64(c.Index) != uint64(i) {
			return fmt.Errorf("%w: chunk %d has index %d", ErrInvalidBundle, i, c.Index)
		}
		if c.Offset != next {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", ErrInvalidBundle, i, c.Offset, next)
		}
		if c.Size <= 0 {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidBundle, i)
		}
		if c.EncryptedSize != c.Size {
			return fmt.Errorf("%w: chunk %d ciphertext size %d != plaintext size %d", ErrInvalidBundle, i, c.EncryptedSize, c.Size)
		}
		if c.Address == "" {
			return fmt.Errorf("%w: chunk %d has no content address", ErrInvalidBundle, i)
		}
		next += c.Size
	}
	if next != file.Size {
		return fmt.Errorf("%w: chunks cover %d bytes, file size is %d", ErrInvalidBundle, next, file.Size)
	}
	return nil
}

// EncryptedBlob is ciphertext produced by the access-control service along
// with the hash it uses to look up the data key.
type EncryptedBlob struct {
	Ciphertext []byte `cbor:"ciphertext" json:"ciphertext"`
	DataHash   string `cbor:"dataToEncryptHash" json:"dataToEncryptHash"`
}

// Binding names where an access-control predicate is evaluated.
type Binding struct {
	Network   string `cbor:"network" json:"network"`
	Contract  string `cbor:"contract" json:"contract"`
	Recipient string `cbor:"recipient" json:"recipient"`
}

// ManifestV3 exposes file and chunk topology in cleartext. Only the key and
// IV are encrypted, under the predicate.
type ManifestV3 struct {
	Binding
	KeyHash       string            `cbor:"keyHash" json:"keyHash"`
	FileHash      string            `cbor:"fileHash" json:"fileHash"`
	Predicate     []byte            `cbor:"predicate" json:"predicate"`
	PredicateHash string            `cbor:"predicateHash" json:"predicateHash"`
	File          FileMetadata      `cbor:"fileMetadata" json:"fileMetadata"`
	Chunks        []ChunkDescriptor `cbor:"chunks" json:"chunks"`
	EncryptedKey  EncryptedBlob     `cbor:"encryptedKey" json:"encryptedKey"`
	Created       int64             `cbor:"created" json:"created"` // unix millis
}

// NewManifestV3 builds a cleartext-topology manifest for bundle. encryptedKey
// must hold the predicate-encrypted PackKeyMaterial(bundle.Key, bundle.IV).
func NewManifestV3(bundle *MetadataBundle, predicate []byte, binding Binding, encryptedKey EncryptedBlob, created int64) *ManifestV3 {
	r := bundle.Redact()
	return &ManifestV3{
		Binding:       binding,
		KeyHash:       r.KeyHash,
		FileHash:      r.FileHash,
		Predicate:     predicate,
		PredicateHash: HashBytes(predicate),
		File:          r.File,
		Chunks:        r.Chunks,
		EncryptedKey:  encryptedKey,
		Created:       created,
	}
}

// Bundle reassembles the full bundle from the manifest and recovered key material.
func (m *ManifestV3) Bundle(key, iv []byte) *MetadataBundle {
	return &MetadataBundle{
		Key:      key,
		IV:       iv,
		FileHash: m.FileHash,
		KeyHash:  m.KeyHash,
		File:     m.File,
		Chunks:   m.Chunks,
	}
}

// ManifestV4 hides everything except the predicate behind an encrypted bundle.
type ManifestV4 struct {
	Predicate     []byte        `cbor:"predicate" json:"predicate"`
	PredicateHash string        `cbor:"predicateHash" json:"predicateHash"`
	Blob          EncryptedBlob `cbor:"encryptedManifest" json:"encryptedManifest"`
	Created       int64         `cbor:"created" json:"created"`
}

// NewManifestV4 wraps an encrypted bundle blob.
func NewManifestV4(predicate []byte, blob EncryptedBlob, created int64) *ManifestV4 {
	return &ManifestV4{
		Predicate:     predicate,
		PredicateHash: HashBytes(predicate),
		Blob:          blob,
		Created:       created,
	}
}

// HashBytes returns the lowercase hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PackKeyMaterial concatenates key and IV for encryption as a single secret.
func PackKeyMaterial(key, iv []byte) []byte {
	out := make([]byte, 0, len(key)+len(iv))
	out = append(out, key...)
	return append(out, iv...)
}

// UnpackKeyMaterial splits the output of PackKeyMaterial.
func UnpackKeyMaterial(b []byte) (key, iv []byte, err error) {
	if len(b) != KeySize+IVSize {
		return nil, nil, fmt.Errorf("%w: key material must be %d bytes, got %d", ErrMalformed, KeySize+IVSize, len(b))
	}
	key = append([]byte(nil), b[:KeySize]...)
	iv = append([]byte(nil), b[KeySize:]...)
	return key, iv, nil
}
