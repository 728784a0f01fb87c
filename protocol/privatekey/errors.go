package privatekey

import "errors"

var (
	ErrPrivateKeyUnavailable = errors.New("private key unavailable")
	ErrInvalidSecret         = errors.New("stored private key secret invalid")
)
