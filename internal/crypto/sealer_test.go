package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("local secret"), "keystore")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("key material"), []byte("keys/abc"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("key material")))

	out, err := s.Open(sealed, []byte("keys/abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("key material"), out)
}

func TestSealer_Rejects(t *testing.T) {
	s, err := NewSealer([]byte("local secret"), "keystore")
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("payload"), []byte("slot-1"))
	require.NoError(t, err)

	t.Run("wrong aad", func(t *testing.T) {
		_, err := s.Open(sealed, []byte("slot-2"))
		assert.ErrorIs(t, err, ErrUnseal)
	})

	t.Run("tampered", func(t *testing.T) {
		bad := bytes.Clone(sealed)
		bad[len(bad)-1] ^= 1
		_, err := s.Open(bad, []byte("slot-1"))
		assert.ErrorIs(t, err, ErrUnseal)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := s.Open(sealed[:10], []byte("slot-1"))
		assert.ErrorIs(t, err, ErrUnseal)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewSealer([]byte("another secret"), "keystore")
		require.NoError(t, err)
		_, err = other.Open(sealed, []byte("slot-1"))
		assert.ErrorIs(t, err, ErrUnseal)
	})

	t.Run("other info", func(t *testing.T) {
		other, err := NewSealer([]byte("local secret"), "elsewhere")
		require.NoError(t, err)
		_, err = other.Open(sealed, []byte("slot-1"))
		assert.ErrorIs(t, err, ErrUnseal)
	})
}

func TestNewSealer_EmptySecret(t *testing.T) {
	_, err := NewSealer(nil, "keystore")
	assert.Error(t, err)
}

func TestImportKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, KeySize)
	want := KeyHash(raw)

	h, err := ImportKey(raw)
	require.NoError(t, err)
	assert.Equal(t, want, h.Hash())
	assert.Equal(t, make([]byte, KeySize), raw, "raw key must be wiped after import")
	assert.NotContains(t, h.String(), "0707")

	_, err = ImportKey([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKey)
}
