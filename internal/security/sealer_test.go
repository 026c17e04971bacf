package security

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(n int) []byte {
	return bytes.Repeat([]byte{0x42}, n)
}

func TestNewAESSealerKeyLength(t *testing.T) {
	_, err := NewAESSealer(testKey(24))
	assert.Error(t, err)

	for _, n := range []int{16, 32} {
		_, err := NewAESSealer(testKey(n))
		assert.NoError(t, err, "key length %d", n)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(testKey(32))
	require.NoError(t, err)

	plain := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'g'}
	sealed, err := s.Seal(plain)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, string(sealed), "jpg")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, err := NewAESSealer(testKey(16))
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	s, err := NewAESSealer(testKey(16))
	require.NoError(t, err)

	opened, err := s.Open([]byte("legacy"))
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), opened)
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := NewAESSealer(testKey(16))
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func TestNewAESSealerFromBase64(t *testing.T) {
	_, err := NewAESSealerFromBase64(base64.StdEncoding.EncodeToString(testKey(32)))
	assert.NoError(t, err)

	_, err = NewAESSealerFromBase64("not base64!")
	assert.Error(t, err)
}

func TestNopSealer(t *testing.T) {
	var s NopSealer
	out, err := s.Seal([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)

	aes, err := NewAESSealer(testKey(16))
	require.NoError(t, err)
	sealed, err := aes.Seal([]byte("x"))
	require.NoError(t, err)

	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedWithoutKey)
}
