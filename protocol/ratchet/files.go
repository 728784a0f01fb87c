package ratchet

import (
	"context"
	"encoding/json"
	"fmt"

	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/crypto/sha256"
)

type fileReference struct {
	Content string `json:"content"`
}

// EncryptFileReference seals the URL of an uploaded file like a message.
func (e *Engine) EncryptFileReference(ctx context.Context, url, senderID, conversationID, recipientID string) (*Sealed, error) {
	data, err := json.Marshal(fileReference{Content: url})
	if err != nil {
		return nil, err
	}
	return e.Encrypt(ctx, string(data), senderID, conversationID, recipientID)
}

// DecryptFileReference opens a payload made by EncryptFileReference. Content
// that is not a wrapped reference is returned as is.
func (e *Engine) DecryptFileReference(ctx context.Context, payload, senderID, conversationID, currentUserID string) (string, error) {
	content, err := e.Decrypt(ctx, payload, senderID, conversationID, currentUserID)
	if err != nil {
		return "", err
	}
	var ref fileReference
	if err := json.Unmarshal([]byte(content), &ref); err != nil || ref.Content == "" {
		return content, nil
	}
	return ref.Content, nil
}

// fileKey is the caller's group key, hashed when it is not an AES-256 key.
func (e *Engine) fileKey(ctx context.Context, conversationID, userID string) ([32]byte, error) {
	var key [32]byte
	t := GroupTuple(userID, conversationID)
	if _, err := e.InitializeRatchet(ctx, t); err != nil {
		return key, err
	}
	groupKey, err := e.sharedKey(ctx, t, userID)
	if err != nil {
		return key, err
	}
	defer memzero.Zero(groupKey)

	if len(groupKey) == len(key) {
		copy(key[:], groupKey)
	} else {
		copy(key[:], sha256.Hash(groupKey))
	}
	return key, nil
}

// EncryptFile seals a file body under the conversation's group key. The IV is
// prepended to the ciphertext.
func (e *Engine) EncryptFile(ctx context.Context, conversationID, userID string, data []byte) ([]byte, error) {
	key, err := e.fileKey(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	defer memzero.Zero(key[:])
	return aes256.EncryptWithIV(data, key)
}

func (e *Engine) DecryptFile(ctx context.Context, conversationID, userID string, blob []byte) ([]byte, error) {
	key, err := e.fileKey(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	defer memzero.Zero(key[:])
	data, err := aes256.DecryptWithIV(blob, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return data, nil
}
