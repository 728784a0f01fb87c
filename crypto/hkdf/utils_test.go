package hkdf

import (
	"testing"

	"chatroom-e2ee/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew32BytesKey(t *testing.T) {
	secret := []byte("system secret")

	a, err := New32BytesKey(secret, []byte("chatroom-e2ee group:g1"))
	require.NoError(t, err)
	b, err := New32BytesKey(secret, []byte("chatroom-e2ee group:g1"))
	require.NoError(t, err)
	c, err := New32BytesKey(secret, []byte("chatroom-e2ee group:g2"))
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKDF(t *testing.T) {
	buf := make([]byte, 64)
	n, err := KDF(crypto.DefaultHashFunc, []byte("material"), nil, []byte("info"), buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	key, err := New32BytesKey([]byte("material"), []byte("info"))
	require.NoError(t, err)
	assert.Equal(t, key, buf[:32])
}
