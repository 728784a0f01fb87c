package privatekey

import (
	"context"
	"fmt"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/keywrap"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/crypto/pbkdf2"
	"chatroom-e2ee/store"

	"github.com/sirupsen/logrus"
)

// Issuer is the server side of the provider. It owns privateKeySecret/{user}.
type Issuer struct {
	store  store.Store
	logger *logrus.Logger
}

var _ Fetcher = (*Issuer)(nil)

func NewIssuer(st store.Store, logger *logrus.Logger) *Issuer {
	return &Issuer{store: st, logger: logger}
}

func wrappingKey(userID string) []byte {
	return pbkdf2.Key([]byte(userID), []byte(configs.PrivateKeySalt))
}

// FetchOrCreate returns the user's secret, creating it on first use. When two
// callers race on creation the first stored secret wins and both return it.
func (i *Issuer) FetchOrCreate(ctx context.Context, userID string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrPrivateKeyUnavailable)
	}
	path := fmt.Sprintf(configs.PrivateKeySecretPath, userID)
	wrapKey := wrappingKey(userID)
	defer memzero.Zero(wrapKey)

	secret, found, err := i.load(ctx, path, wrapKey)
	if err != nil || found {
		return secret, err
	}

	secret, err = aes256.NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := keywrap.WrapString(wrapKey, secret)
	if err != nil {
		return nil, err
	}
	created, err := i.store.SetIfAbsent(ctx, path, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to persist private key for %s: %w", userID, err)
	}
	if created {
		i.logger.Infof("Created private key for user %s", userID)
		return secret, nil
	}

	memzero.Zero(secret)
	secret, found, err = i.load(ctx, path, wrapKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s vanished after create", ErrPrivateKeyUnavailable, userID)
	}
	return secret, nil
}

func (i *Issuer) load(ctx context.Context, path string, wrapKey []byte) ([]byte, bool, error) {
	var wrapped string
	found, err := i.store.Get(ctx, path, &wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !found {
		return nil, false, nil
	}
	secret, err := keywrap.UnwrapString(wrapKey, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return secret, true, nil
}

// FetchPrivateKey lets an in-process caller use the issuer as a Fetcher.
func (i *Issuer) FetchPrivateKey(ctx context.Context, userID string) ([]byte, error) {
	return i.FetchOrCreate(ctx, userID)
}
