package signer_schnorr

import (
	"errors"

	"chatroom-e2ee/crypto/key_ed25519"

	"go.dedis.ch/kyber/v4/sign/schnorr"
)

var (
	ErrEmptyKey = errors.New("empty signing key")
)

// Sign produces a schnorr signature of msg over the Ed25519 suite.
func Sign(privKey key_ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(privKey) == 0 {
		return nil, ErrEmptyKey
	}
	privScalar, err := privKey.ToScalar()
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(key_ed25519.Suite, privScalar, msg)
}

// Verify checks sig against msg and the signer's public key.
func Verify(pubKey key_ed25519.PublicKey, msg, sig []byte) error {
	if len(pubKey) == 0 {
		return ErrEmptyKey
	}
	pubPoint, err := pubKey.ToPoint()
	if err != nil {
		return err
	}
	return schnorr.Verify(key_ed25519.Suite, pubPoint, msg, sig)
}
