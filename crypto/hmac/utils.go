package hmac

import (
	"crypto/hmac"
	"hash"
)

// Hash returns the HMAC of the data using the key.
func Hash(hash func() hash.Hash, key, data []byte) []byte {
	mac := hmac.New(hash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether tag is the HMAC of data under key, in constant time.
func Verify(hash func() hash.Hash, key, data, tag []byte) bool {
	return hmac.Equal(Hash(hash, key, data), tag)
}
