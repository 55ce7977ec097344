package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Version tags. Each encoded object starts with a length-prefixed header
// carrying one of these, and repeats it in the CBOR body's "version" key.
const (
	VersionBundle     = "SEALED-BUNDLE-V4"
	VersionManifestV3 = "SEALED-MANIFEST-V3"
	VersionManifestV4 = "SEALED-MANIFEST-V4"
)

var magic = [4]byte{'S', 'V', 'M', '1'}

const (
	maxTagLen = 64
	// MaxBodySize bounds a single encoded object.
	MaxBodySize = 256 << 20
)

var (
	ErrVersionMismatch = errors.New("manifest: version mismatch")
	ErrMalformed       = errors.New("manifest: malformed encoding")
	ErrIntegrity       = errors.New("manifest: integrity check failed")
	ErrInvalidBundle   = errors.New("manifest: invalid bundle")
	ErrTooManyChunks   = errors.New("manifest: chunk count exceeds 32-bit counter space")
)

// VersionError reports an unrecognized or unexpected version tag.
type VersionError struct {
	Got  string
	Want string
}

func (e *VersionError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("manifest: unrecognized version %q", e.Got)
	}
	return fmt.Sprintf("manifest: version %q, expected %q", e.Got, e.Want)
}

func (e *VersionError) Unwrap() error { return ErrVersionMismatch }

// IntegrityError reports a recomputed hash that does not match the recorded one.
type IntegrityError struct {
	Field string
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("manifest: %s mismatch: recorded %s, computed %s", e.Field, e.Want, e.Got)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 2147483647,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func knownVersion(tag string) bool {
	switch tag {
	case VersionBundle, VersionManifestV3, VersionManifestV4:
		return true
	}
	return false
}

type bundleWire struct {
	Version string `cbor:"version"`
	MetadataBundle
}

type v3Wire struct {
	Version string `cbor:"version"`
	ManifestV3
}

type v4Wire struct {
	Version string `cbor:"version"`
	ManifestV4
}

func writeHeader(buf *bytes.Buffer, tag string) {
	buf.Write(magic[:])
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(tag)))
	buf.Write(n[:])
	buf.WriteString(tag)
}

func encode(tag string, v any) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, tag)
	if err := encMode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("manifest: encode %s: %w", tag, err)
	}
	return buf.Bytes(), nil
}

// EncodeBundle serializes a metadata bundle.
func EncodeBundle(b *MetadataBundle) ([]byte, error) {
	return encode(VersionBundle, &bundleWire{Version: VersionBundle, MetadataBundle: *b})
}

// EncodeV3 serializes a V3 manifest. A missing predicate hash is filled in;
// a present one must match the predicate.
func EncodeV3(m *ManifestV3) ([]byte, error) {
	w := v3Wire{Version: VersionManifestV3, ManifestV3: *m}
	if err := sealPredicateHash(&w.PredicateHash, w.Predicate); err != nil {
		return nil, err
	}
	return encode(VersionManifestV3, &w)
}

// EncodeV4 serializes a V4 manifest.
func EncodeV4(m *ManifestV4) ([]byte, error) {
	w := v4Wire{Version: VersionManifestV4, ManifestV4: *m}
	if err := sealPredicateHash(&w.PredicateHash, w.Predicate); err != nil {
		return nil, err
	}
	return encode(VersionManifestV4, &w)
}

func sealPredicateHash(dst *string, predicate []byte) error {
	got := HashBytes(predicate)
	if *dst == "" {
		*dst = got
		return nil
	}
	if *dst != got {
		return &IntegrityError{Field: "predicateHash", Want: *dst, Got: got}
	}
	return nil
}

// Decoder reads one encoded object from a stream. The version header is
// read first so unknown versions are rejected before the body is consumed.
type Decoder struct {
	r       io.Reader
	tag     string
	err     error
	started bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Version reads and returns the header tag. It fails with a *VersionError
// for unknown tags.
func (d *Decoder) Version() (string, error) {
	if d.started {
		return d.tag, d.err
	}
	d.started = true
	d.tag, d.err = readHeader(d.r)
	return d.tag, d.err
}

func readHeader(r io.Reader) (string, error) {
	var fixed [6]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return "", fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	if !bytes.Equal(fixed[:4], magic[:]) {
		return "", &VersionError{Got: fmt.Sprintf("%x", fixed[:4])}
	}
	n := binary.BigEndian.Uint16(fixed[4:])
	if n == 0 || n > maxTagLen {
		return "", fmt.Errorf("%w: version tag length %d", ErrMalformed, n)
	}
	tag := make([]byte, n)
	if _, err := io.ReadFull(r, tag); err != nil {
		return "", fmt.Errorf("%w: short version tag: %v", ErrMalformed, err)
	}
	if !knownVersion(string(tag)) {
		return "", &VersionError{Got: string(tag)}
	}
	return string(tag), nil
}

func (d *Decoder) body(want string, v any, version func() string) error {
	tag, err := d.Version()
	if err != nil {
		return err
	}
	if tag != want {
		return &VersionError{Got: tag, Want: want}
	}
	dec := decMode.NewDecoder(io.LimitReader(d.r, MaxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// An encoded object is exactly one header and one body item.
	var extra [1]byte
	switch _, err := io.ReadFull(io.MultiReader(dec.Buffered(), d.r), extra[:]); {
	case err == nil:
		return fmt.Errorf("%w: trailing data after body", ErrMalformed)
	case !errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if got := version(); got != tag {
		return &VersionError{Got: got, Want: tag}
	}
	return nil
}

// Bundle decodes a metadata bundle.
func (d *Decoder) Bundle() (*MetadataBundle, error) {
	var w bundleWire
	if err := d.body(VersionBundle, &w, func() string { return w.Version }); err != nil {
		return nil, err
	}
	return &w.MetadataBundle, nil
}

// V3 decodes a V3 manifest and checks its predicate hash.
func (d *Decoder) V3() (*ManifestV3, error) {
	var w v3Wire
	if err := d.body(VersionManifestV3, &w, func() string { return w.Version }); err != nil {
		return nil, err
	}
	if got := HashBytes(w.Predicate); got != w.PredicateHash {
		return nil, &IntegrityError{Field: "predicateHash", Want: w.PredicateHash, Got: got}
	}
	return &w.ManifestV3, nil
}

// V4 decodes a V4 manifest and checks its predicate hash.
func (d *Decoder) V4() (*ManifestV4, error) {
	var w v4Wire
	if err := d.body(VersionManifestV4, &w, func() string { return w.Version }); err != nil {
		return nil, err
	}
	if got := HashBytes(w.Predicate); got != w.PredicateHash {
		return nil, &IntegrityError{Field: "predicateHash", Want: w.PredicateHash, Got: got}
	}
	return &w.ManifestV4, nil
}

// PeekVersion returns the version tag of an encoded object without decoding the body.
func PeekVersion(b []byte) (string, error) {
	return NewDecoder(bytes.NewReader(b)).Version()
}

// ReadVersion reads only the header from r and returns its version tag.
func ReadVersion(r io.Reader) (string, error) {
	return readHeader(r)
}

// DecodeBundle decodes an encoded metadata bundle.
func DecodeBundle(b []byte) (*MetadataBundle, error) {
	return NewDecoder(bytes.NewReader(b)).Bundle()
}

// DecodeV3 decodes an encoded V3 manifest.
func DecodeV3(b []byte) (*ManifestV3, error) {
	return NewDecoder(bytes.NewReader(b)).V3()
}

// DecodeV4 decodes an encoded V4 manifest.
func DecodeV4(b []byte) (*ManifestV4, error) {
	return NewDecoder(bytes.NewReader(b)).V4()
}

// Decode dispatches on the version tag and returns one of *MetadataBundle,
// *ManifestV3 or *ManifestV4.
func Decode(b []byte) (any, error) {
	d := NewDecoder(bytes.NewReader(b))
	tag, err := d.Version()
	if err != nil {
		return nil, err
	}
	switch tag {
	case VersionBundle:
		return d.Bundle()
	case VersionManifestV3:
		return d.V3()
	default:
		return d.V4()
	}
}
