package keybundle

import "errors"

var (
	ErrKeyBundleNotFound = errors.New("key bundle not found")
	ErrIncompleteBundle  = errors.New("key bundle incomplete")
	ErrInvalidSignature  = errors.New("signed pre-key signature invalid")
)
