package ratchet

import "errors"

var (
	ErrRatchetInitFailed = errors.New("ratchet initialization failed")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEncryptionFailed  = errors.New("encryption failed, message not sent")
	ErrGroupKeyNotFound  = errors.New("group key not found")
	ErrGroupKeyCorrupt   = errors.New("group key cannot be unwrapped")
	ErrMACMismatch       = errors.New("message mac mismatch")
	ErrMissingRecipient  = errors.New("private envelope without recipient")
	ErrNoSystemSecret    = errors.New("system secret not configured")
	ErrNotMember         = errors.New("not a member of the conversation")
	ErrNotParticipant    = errors.New("not a party to the private message")
)
