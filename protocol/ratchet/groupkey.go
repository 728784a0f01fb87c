package ratchet

import (
	"context"
	"fmt"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/hkdf"
	"chatroom-e2ee/crypto/keywrap"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/store"
)

// groupKeys manages the canonical shared key of a conversation (or of a
// pair inside one) and each member's own wrapped copy of it.
//
// The canonical copy is wrapped under a key derived from the system secret
// and the key id, so each conversation has its own wrapping key.
type groupKeys struct {
	store        store.Store
	membership   Membership
	systemSecret []byte
}

func canonicalPath(keyID string) string {
	return fmt.Sprintf(configs.GroupKeyPath, keyID)
}

func memberCopyPath(keyID, userID string) string {
	return fmt.Sprintf(configs.GroupKeyWrappedPath, keyID, userID)
}

func (g *groupKeys) systemWrapKey(keyID string) ([]byte, error) {
	return hkdf.New32BytesKey(g.systemSecret, []byte(fmt.Sprintf(configs.GroupWrapInfo, keyID)))
}

// allowed decides whether userID may hold a copy of t's shared key.
func (g *groupKeys) allowed(ctx context.Context, t Tuple, userID string) (bool, error) {
	if !t.IsGroup() {
		lo, hi := t.pair()
		if userID != lo && userID != hi {
			return false, nil
		}
	}
	if g.membership == nil {
		return true, nil
	}
	return g.membership.IsMember(ctx, t.Conversation, userID)
}

// memberKey unwraps the caller's own copy of t's shared key.
func (g *groupKeys) memberKey(ctx context.Context, t Tuple, userID string, secret []byte) ([]byte, bool, error) {
	var wrapped string
	found, err := g.store.Get(ctx, memberCopyPath(t.keyID(), userID), &wrapped)
	if err != nil || !found {
		return nil, false, err
	}
	key, err := keywrap.UnwrapString(secret, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s for %s: %v", ErrGroupKeyCorrupt, t.keyID(), userID, err)
	}
	return key, true, nil
}

// ensure returns t's shared key for userID, creating the canonical key and
// the caller's wrapped copy when they do not exist yet.
func (g *groupKeys) ensure(ctx context.Context, t Tuple, userID string, secret []byte) ([]byte, error) {
	key, found, err := g.memberKey(ctx, t, userID, secret)
	if err != nil || found {
		return key, err
	}

	ok, err := g.allowed(ctx, t, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s has no copy of %s", ErrGroupKeyNotFound, userID, t.keyID())
	}

	key, err = g.canonical(ctx, t.keyID())
	if err != nil {
		return nil, err
	}
	wrapped, err := keywrap.WrapString(secret, key)
	if err != nil {
		memzero.Zero(key)
		return nil, err
	}
	if _, err := g.store.SetIfAbsent(ctx, memberCopyPath(t.keyID(), userID), wrapped); err != nil {
		memzero.Zero(key)
		return nil, fmt.Errorf("failed to store member copy of %s: %w", t.keyID(), err)
	}
	return key, nil
}

// canonical loads the canonical key of keyID, creating it if absent. The
// first writer wins; losers read the winner's key back.
func (g *groupKeys) canonical(ctx context.Context, keyID string) ([]byte, error) {
	wrapKey, err := g.systemWrapKey(keyID)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(wrapKey)

	if key, found, err := g.loadCanonical(ctx, keyID, wrapKey); err != nil || found {
		return key, err
	}

	key, err := aes256.NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := keywrap.WrapString(wrapKey, key)
	if err != nil {
		return nil, err
	}
	created, err := g.store.SetIfAbsent(ctx, canonicalPath(keyID), wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to create group key %s: %w", keyID, err)
	}
	if created {
		return key, nil
	}
	memzero.Zero(key)

	key, found, err := g.loadCanonical(ctx, keyID, wrapKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s removed during creation", ErrGroupKeyNotFound, keyID)
	}
	return key, nil
}

func (g *groupKeys) loadCanonical(ctx context.Context, keyID string, wrapKey []byte) ([]byte, bool, error) {
	var wrapped string
	found, err := g.store.Get(ctx, canonicalPath(keyID), &wrapped)
	if err != nil || !found {
		return nil, false, err
	}
	key, err := keywrap.UnwrapString(wrapKey, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("%w: canonical %s: %v", ErrGroupKeyCorrupt, keyID, err)
	}
	return key, true, nil
}

// revoke removes a member's copy, e.g. after the member left.
func (g *groupKeys) revoke(ctx context.Context, t Tuple, userID string) error {
	return g.store.Remove(ctx, memberCopyPath(t.keyID(), userID))
}
