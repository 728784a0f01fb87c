package aes256

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrCiphertextLengthInvalid = errors.New("ciphertext length invalid")
	ErrPaddingInvalid          = errors.New("pkcs7 padding invalid")
)

func NewKey() ([]byte, error) {
	key := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, key)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// NewIV returns a fresh random CBC initialization vector.
func NewIV() ([16]byte, error) {
	var iv [16]byte
	_, err := io.ReadFull(rand.Reader, iv[:])
	return iv, err
}

// Encrypt encrypts the plaintext using AES-256 in CBC mode with PKCS#7 padding.
func Encrypt(plaintext []byte, key [32]byte, iv [16]byte) (ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	paddedPlaintext := pkcs7Padding(plaintext, block.BlockSize())
	ciphertext = make([]byte, len(paddedPlaintext))

	mode := cipher.NewCBCEncrypter(block, iv[:])
	mode.CryptBlocks(ciphertext, paddedPlaintext)
	return ciphertext, nil
}

// Decrypt decrypts the ciphertext using AES-256 in CBC mode with PKCS#7 padding.
func Decrypt(ciphertext []byte, key [32]byte, iv [16]byte) (plaintext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrCiphertextLengthInvalid
	}

	mode := cipher.NewCBCDecrypter(block, iv[:])
	plaintext = make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpadding(plaintext, block.BlockSize())
}

// EncryptWithIV encrypts under a fresh IV and returns iv||ciphertext.
func EncryptWithIV(plaintext []byte, key [32]byte) ([]byte, error) {
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(plaintext, key, iv)
	if err != nil {
		return nil, err
	}
	return append(iv[:], ciphertext...), nil
}

// DecryptWithIV reverses EncryptWithIV.
func DecryptWithIV(blob []byte, key [32]byte) ([]byte, error) {
	if len(blob) < 2*aes.BlockSize {
		return nil, ErrCiphertextLengthInvalid
	}
	var iv [16]byte
	copy(iv[:], blob[:aes.BlockSize])
	return Decrypt(blob[aes.BlockSize:], key, iv)
}

// Helper function for PKCS#7 padding
func pkcs7Padding(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padtext := bytes.Repeat([]byte{byte(padding)}, padding)
	out := make([]byte, 0, len(data)+padding)
	out = append(out, data...)
	return append(out, padtext...)
}

// Helper function for PKCS#7 unpadding
func pkcs7Unpadding(data []byte, blockSize int) ([]byte, error) {
	length := len(data)
	unpadding := int(data[length-1])
	if unpadding == 0 || unpadding > blockSize || unpadding > length {
		return nil, ErrPaddingInvalid
	}
	for _, b := range data[length-unpadding:] {
		if int(b) != unpadding {
			return nil, ErrPaddingInvalid
		}
	}
	return data[:(length - unpadding)], nil
}
