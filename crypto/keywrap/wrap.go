// Package keywrap protects small secrets under another symmetric secret.
//
// The wrapping secret is split with HKDF into an AES-256 key and an HMAC key.
// The output is iv || AES-256-CBC(secret) || HMAC-SHA256(iv || ciphertext).
package keywrap

import (
	"encoding/base64"
	"errors"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/hkdf"
	"chatroom-e2ee/crypto/hmac"
	"chatroom-e2ee/crypto/memzero"
)

var (
	ErrWrappedTooShort = errors.New("wrapped key too short")
	ErrInvalidTag      = errors.New("wrapped key tag mismatch")
	ErrEmptySecret     = errors.New("empty wrapping secret")
)

func deriveKeys(secret []byte) (encKey [32]byte, macKey []byte, err error) {
	if len(secret) == 0 {
		return encKey, nil, ErrEmptySecret
	}
	buf := make([]byte, 64)
	if _, err = hkdf.KDF(crypto.DefaultHashFunc, secret, nil, configs.KeyWrapInfo, buf); err != nil {
		return encKey, nil, err
	}
	copy(encKey[:], buf[:32])
	macKey = buf[32:]
	memzero.Zero(buf[:32])
	return encKey, macKey, nil
}

// Wrap encrypts and authenticates plaintext under secret.
func Wrap(secret, plaintext []byte) ([]byte, error) {
	encKey, macKey, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}
	defer memzero.ZeroAll(encKey[:], macKey)

	blob, err := aes256.EncryptWithIV(plaintext, encKey)
	if err != nil {
		return nil, err
	}
	tag := hmac.Hash(crypto.DefaultHashFunc, macKey, blob)
	return append(blob, tag...), nil
}

// Unwrap verifies and decrypts a value produced by Wrap.
func Unwrap(secret, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 2*crypto.AESBlockSize+crypto.HMACSHA256Size {
		return nil, ErrWrappedTooShort
	}
	encKey, macKey, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}
	defer memzero.ZeroAll(encKey[:], macKey)

	blob := wrapped[:len(wrapped)-crypto.HMACSHA256Size]
	tag := wrapped[len(wrapped)-crypto.HMACSHA256Size:]
	if !hmac.Verify(crypto.DefaultHashFunc, macKey, blob, tag) {
		return nil, ErrInvalidTag
	}
	return aes256.DecryptWithIV(blob, encKey)
}

// WrapString is Wrap with a base64 result, the form kept in the store.
func WrapString(secret, plaintext []byte) (string, error) {
	wrapped, err := Wrap(secret, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapString reverses WrapString.
func UnwrapString(secret []byte, wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	return Unwrap(secret, raw)
}
