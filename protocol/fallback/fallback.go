// Package fallback is the version 1 cipher used when the ratchet path cannot
// be initialized. Keys rotate by calendar month: every key version "YYYY-MM"
// has its own base key derived from the deployment base key, so an envelope
// can always be opened from the version it records.
package fallback

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/hkdf"
	"chatroom-e2ee/crypto/hmac"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/crypto/pbkdf2"
	"chatroom-e2ee/protocol/envelope"
)

var (
	ErrNoBaseKey          = errors.New("fallback base key not configured")
	ErrInvalidKeyVersion  = errors.New("invalid key version")
	ErrKeyVersionRetired  = errors.New("key version retired")
	ErrMACMismatch        = errors.New("fallback mac mismatch")
	ErrMalformedPlaintext = errors.New("malformed fallback plaintext")
)

type Cipher struct {
	baseKey []byte
	now     func() time.Time
}

func New(baseKey []byte) *Cipher {
	return &Cipher{baseKey: baseKey, now: time.Now}
}

// KeyVersion formats the key version for t.
func KeyVersion(t time.Time) string {
	return t.UTC().Format(configs.KeyVersionLayout)
}

func (c *Cipher) versionKey(version string) ([]byte, error) {
	if len(c.baseKey) == 0 {
		return nil, ErrNoBaseKey
	}
	at, err := time.Parse(configs.KeyVersionLayout, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyVersion, version)
	}
	now := c.now().UTC()
	months := (now.Year()-at.Year())*12 + int(now.Month()) - int(at.Month())
	if months >= configs.MaxKeyVersions {
		return nil, fmt.Errorf("%w: %s", ErrKeyVersionRetired, version)
	}
	return hkdf.New32BytesKey(c.baseKey, []byte(fmt.Sprintf(configs.FallbackKeyInfo, version)))
}

func saltFor(conversationID, recipientID string) string {
	if recipientID != "" {
		return recipientID
	}
	return "group:" + conversationID
}

// deriveKey is PBKDF2(versionKey "-" sender "-" conversation, salt).
func (c *Cipher) deriveKey(version, senderID, conversationID, recipientID string) ([32]byte, error) {
	var key [32]byte
	vk, err := c.versionKey(version)
	if err != nil {
		return key, err
	}
	material := []byte(hex.EncodeToString(vk) + "-" + senderID + "-" + conversationID)
	derived := pbkdf2.Key(material, []byte(saltFor(conversationID, recipientID)))
	copy(key[:], derived)
	memzero.ZeroAll(vk, material, derived)
	return key, nil
}

// Encrypt seals message under the current key version.
func (c *Cipher) Encrypt(message, senderID, conversationID, recipientID string) (*envelope.Fallback, error) {
	now := c.now()
	version := KeyVersion(now)
	key, err := c.deriveKey(version, senderID, conversationID, recipientID)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key[:])

	plaintext, err := json.Marshal(envelope.Plaintext{
		Content:   message,
		Timestamp: now.UnixMilli(),
		Sender:    senderID,
	})
	if err != nil {
		return nil, err
	}
	iv, err := aes256.NewIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := aes256.Encrypt(plaintext, key, iv)
	memzero.Zero(plaintext)
	if err != nil {
		return nil, err
	}
	mac := hmac.Hash(crypto.DefaultHashFunc, key[:], ciphertext)

	return &envelope.Fallback{
		Cipher:     base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv[:]),
		MAC:        base64.StdEncoding.EncodeToString(mac),
		Version:    envelope.VersionFallback,
		KeyVersion: version,
		Type:       envelope.TypeFor(recipientID),
		Recipient:  recipientID,
	}, nil
}

// Decrypt opens env. For private envelopes written before the recipient was
// recorded, currentUserID is taken to be the recipient.
func (c *Cipher) Decrypt(env *envelope.Fallback, senderID, conversationID, currentUserID string) (string, error) {
	recipientID := ""
	if env.Type == envelope.TypePrivate {
		recipientID = env.Recipient
		if recipientID == "" {
			recipientID = currentUserID
		}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Cipher)
	if err != nil {
		return "", fmt.Errorf("invalid cipher encoding: %w", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(ivBytes) != configs.IVSize {
		return "", fmt.Errorf("invalid iv")
	}
	mac, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil {
		return "", fmt.Errorf("invalid mac encoding: %w", err)
	}

	key, err := c.deriveKey(env.KeyVersion, senderID, conversationID, recipientID)
	if err != nil {
		return "", err
	}
	defer memzero.Zero(key[:])

	if !hmac.Verify(crypto.DefaultHashFunc, key[:], ciphertext, mac) {
		return "", ErrMACMismatch
	}
	var iv [16]byte
	copy(iv[:], ivBytes)
	plaintext, err := aes256.Decrypt(ciphertext, key, iv)
	if err != nil {
		return "", err
	}
	defer memzero.Zero(plaintext)

	var pt envelope.Plaintext
	if err := json.Unmarshal(plaintext, &pt); err != nil {
		return "", ErrMalformedPlaintext
	}
	return pt.Content, nil
}
