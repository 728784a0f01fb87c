package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	key := []byte("identity-key-identity-key-123456")

	a, err := Fingerprint(key, []byte("u1"))
	require.NoError(t, err)
	assert.Len(t, a, 35)
	assert.Regexp(t, `^\d{5}( \d{5}){5}$`, a)

	b, err := Fingerprint(key, []byte("u1"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(key, []byte("u2"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Fingerprint(nil, []byte("u1"))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("12345 67890", "1234567890"))
	assert.False(t, Equal("12345 67890", "12345 67891"))
}
