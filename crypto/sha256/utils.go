package sha256

import "crypto/sha256"

func Hash(data []byte) []byte {
	hash := sha256.New()
	hash.Write(data)
	return hash.Sum(nil)
}

// Join hashes the parts separated by sep.
func Join(sep []byte, parts ...[]byte) []byte {
	hash := sha256.New()
	for i, p := range parts {
		if i > 0 {
			hash.Write(sep)
		}
		hash.Write(p)
	}
	return hash.Sum(nil)
}
