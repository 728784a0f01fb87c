package hkdf

import (
	"hash"
	"io"

	"chatroom-e2ee/crypto"

	"golang.org/x/crypto/hkdf"
)

// New32BytesKey derives a 32-byte key bound to info.
func New32BytesKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := KDF(crypto.DefaultHashFunc, secret, nil, info, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KDF fills buffer with HKDF output.
func KDF(hash func() hash.Hash, keyMaterial []byte, salt []byte, info []byte, buffer []byte) (int, error) {
	hkdfReader := hkdf.New(hash, keyMaterial, salt, info)
	return io.ReadFull(hkdfReader, buffer)
}
