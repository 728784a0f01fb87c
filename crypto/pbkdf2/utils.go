package pbkdf2

import (
	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto"

	"golang.org/x/crypto/pbkdf2"
)

// Key256 derives a 32-byte key with PBKDF2-HMAC-SHA256.
func Key256(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, configs.KeySize, crypto.DefaultHashFunc)
}

// Key derives a 32-byte key with the default iteration count.
func Key(password, salt []byte) []byte {
	return Key256(password, salt, configs.PBKDF2Iterations)
}
