package pbkdf2

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey256(t *testing.T) {
	// RFC 7914 section 11 PBKDF2-HMAC-SHA256 vector, truncated to 32 bytes.
	got := Key256([]byte("passwd"), []byte("salt"), 1)
	assert.Equal(t, "55ac046e56e3089fec1691c22544b605f94185216dde0465e68b9d57c20dacbc", hex.EncodeToString(got))
}

func TestKeyDeterministic(t *testing.T) {
	a := Key([]byte("u1"), []byte("user-key-salt"))
	b := Key([]byte("u1"), []byte("user-key-salt"))
	c := Key([]byte("u2"), []byte("user-key-salt"))

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
