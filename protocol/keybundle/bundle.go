package keybundle

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"chatroom-e2ee/common"
	"chatroom-e2ee/crypto/key_ed25519"
	"chatroom-e2ee/crypto/signer_schnorr"
)

// DeviceKeys is the private half of a generated bundle. It never leaves the
// device.
type DeviceKeys struct {
	Identity     key_ed25519.Pair
	SignedPreKey key_ed25519.Pair
	PreKey       key_ed25519.Pair
}

func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	// 14-bit id, never zero
	return binary.BigEndian.Uint32(b[:])&0x3fff + 1, nil
}

// Generate creates the key material of a freshly provisioned device.
func Generate(signedPreKeyID, preKeyID uint32) (*common.KeyBundle, *DeviceKeys, error) {
	registrationID, err := newRegistrationID()
	if err != nil {
		return nil, nil, err
	}

	var keys DeviceKeys
	for _, pair := range []*key_ed25519.Pair{&keys.Identity, &keys.SignedPreKey, &keys.PreKey} {
		p, err := key_ed25519.NewPair()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		*pair = *p
	}

	signature, err := signer_schnorr.Sign(keys.Identity.Priv, keys.SignedPreKey.Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign pre-key: %w", err)
	}

	bundle := &common.KeyBundle{
		RegistrationID: registrationID,
		IdentityKey:    keys.Identity.Pub,
		SignedPreKey: common.SignedPreKey{
			KeyID:     signedPreKeyID,
			PublicKey: keys.SignedPreKey.Pub,
			Signature: signature,
		},
		PreKey: common.PreKey{
			KeyID:     preKeyID,
			PublicKey: keys.PreKey.Pub,
		},
	}
	return bundle, &keys, nil
}

// Verify checks that the bundle is complete and that the signed pre-key was
// signed by the bundle's identity key.
func Verify(bundle *common.KeyBundle) error {
	if bundle == nil || len(bundle.IdentityKey) == 0 || len(bundle.SignedPreKey.PublicKey) == 0 ||
		len(bundle.SignedPreKey.Signature) == 0 || len(bundle.PreKey.PublicKey) == 0 {
		return ErrIncompleteBundle
	}
	err := signer_schnorr.Verify(bundle.IdentityKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
