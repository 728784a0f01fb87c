package fingerprint

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"strings"
)

const (
	iterations = 5200
	digits     = 30
)

var (
	ErrEmptyKey = errors.New("empty identity key")
)

// Fingerprint derives the 30-digit numeric safety number of an identity key
// bound to the owner's identifier, grouped in six blocks of five digits.
func Fingerprint(identityKey []byte, userIdentifier []byte) (string, error) {
	if len(identityKey) == 0 {
		return "", ErrEmptyKey
	}
	digest := make([]byte, 0, len(identityKey)+len(userIdentifier))
	digest = append(digest, identityKey...)
	digest = append(digest, userIdentifier...)

	hash := sha512.New()
	for i := 0; i < iterations; i++ {
		hash.Write(digest)
		hash.Write(identityKey)
		digest = hash.Sum(digest[:0])
		hash.Reset()
	}

	var sb strings.Builder
	for i := 0; i < digits/5; i++ {
		chunk := make([]byte, 8)
		copy(chunk[3:], digest[i*5:(i+1)*5])
		num := binary.BigEndian.Uint64(chunk) % 100000
		if i > 0 {
			sb.WriteByte(' ')
		}
		block := []byte("00000")
		for j := 4; j >= 0; j-- {
			block[j] = byte('0' + num%10)
			num /= 10
		}
		sb.Write(block)
	}
	return sb.String(), nil
}

// Equal compares two safety numbers ignoring spacing.
func Equal(a, b string) bool {
	strip := func(s string) string { return strings.Join(strings.Fields(s), "") }
	return strip(a) == strip(b)
}
