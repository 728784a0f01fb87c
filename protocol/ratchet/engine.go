// Package ratchet is the encryption core. Every (owner, conversation[, peer])
// tuple has a root key from which message keys are recomputed per message:
//
//	messageKey  = SHA256(rootKey:counter:senderID:conversationID)
//	combinedKey = SHA256(groupKey:messageKey)
//
// The payload is AES-256-CBC under combinedKey with an HMAC-SHA256 over the
// plaintext. Message keys are not chained, so a leaked root key exposes every
// message of its tuple.
package ratchet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/hmac"
	"chatroom-e2ee/crypto/keywrap"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/protocol/envelope"
	"chatroom-e2ee/protocol/fallback"
	"chatroom-e2ee/store"

	"github.com/sirupsen/logrus"
)

// PrivateKeySource resolves a user's private key secret. The returned slice
// belongs to the caller.
type PrivateKeySource interface {
	Get(ctx context.Context, userID string) ([]byte, error)
}

type Options struct {
	// SystemSecret wraps the canonical copy of every group key.
	SystemSecret []byte
	// LenientMAC accepts payloads whose HMAC does not match.
	LenientMAC       bool
	SessionCacheSize int
	// Membership gates who may obtain a group key. Nil admits everyone.
	Membership Membership
	// Fallback seals messages when the ratchet path fails. Nil disables it.
	Fallback *fallback.Cipher
}

type Engine struct {
	store     store.Store
	keys      PrivateKeySource
	states    *StateStore
	groupKeys *groupKeys
	fallback  *fallback.Cipher
	sessions  *sessionCache
	lenient   bool
	logger    *logrus.Logger
	now       func() time.Time
}

func New(st store.Store, keys PrivateKeySource, opts Options, logger *logrus.Logger) (*Engine, error) {
	if len(opts.SystemSecret) == 0 {
		return nil, ErrNoSystemSecret
	}
	if opts.SessionCacheSize <= 0 {
		opts.SessionCacheSize = 1024
	}
	sessions, err := newSessionCache(opts.SessionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:  st,
		keys:   keys,
		states: NewStateStore(st),
		groupKeys: &groupKeys{
			store:        st,
			membership:   opts.Membership,
			systemSecret: opts.SystemSecret,
		},
		fallback: opts.Fallback,
		sessions: sessions,
		lenient:  opts.LenientMAC,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func tupleFor(owner, conversationID, peer string) Tuple {
	if peer == "" {
		return GroupTuple(owner, conversationID)
	}
	return PairTuple(owner, conversationID, peer)
}

// InitializeRatchet returns a snapshot of t's state, deriving and persisting
// it on first use.
func (e *Engine) InitializeRatchet(ctx context.Context, t Tuple) (*State, error) {
	s := e.sessions.acquire(t)
	defer s.mu.Unlock()

	state, err := e.initLocked(ctx, s, t)
	if err != nil {
		return nil, err
	}
	return state.clone(), nil
}

func (e *Engine) initLocked(ctx context.Context, s *session, t Tuple) (*State, error) {
	if s.state != nil {
		return s.state, nil
	}

	secret, err := e.keys.Get(ctx, t.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRatchetInitFailed, err)
	}
	defer memzero.Zero(secret)

	rootKey, err := e.rootKey(ctx, t, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRatchetInitFailed, t, err)
	}

	state, found, err := e.states.Load(ctx, t, secret)
	if err != nil {
		memzero.Zero(rootKey)
		return nil, fmt.Errorf("%w: %w", ErrRatchetInitFailed, err)
	}
	if found {
		state.RootKey = rootKey
		if state.SendingChainKey == nil {
			state.SendingChainKey = sendingChainKey(rootKey, t.Owner, t.Conversation)
		}
		err = e.states.Update(ctx, t, state.MessageCounter)
	} else {
		state = &State{
			RootKey:         rootKey,
			SendingChainKey: sendingChainKey(rootKey, t.Owner, t.Conversation),
		}
		err = e.states.Save(ctx, t, state, secret)
	}
	if err != nil {
		state.Wipe()
		return nil, fmt.Errorf("%w: %w", ErrRatchetInitFailed, err)
	}

	state.MarkSynced(e.now())
	s.state = state
	e.logger.Debugf("Initialized ratchet %s (restored: %v)", t, found)
	return state, nil
}

func (e *Engine) rootKey(ctx context.Context, t Tuple, secret []byte) ([]byte, error) {
	shared, err := e.groupKeys.ensure(ctx, t, t.Owner, secret)
	if err != nil {
		return nil, err
	}
	if t.IsGroup() {
		return shared, nil
	}
	defer memzero.Zero(shared)
	return pairRootKey(shared, t), nil
}

// sharedKey unwraps the caller's copy of t's group key.
func (e *Engine) sharedKey(ctx context.Context, t Tuple, userID string) ([]byte, error) {
	secret, err := e.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(secret)

	key, found, err := e.groupKeys.memberKey(ctx, t, userID, secret)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s has no copy of %s", ErrGroupKeyNotFound, userID, t.keyID())
	}
	return key, nil
}

// Encrypt seals message from senderID. An empty recipientID selects group
// mode. When the ratchet path fails the fallback cipher is used; when both
// fail ErrEncryptionFailed is returned and nothing must be sent. A sender
// without a copy of the shared key never reaches the fallback cipher.
func (e *Engine) Encrypt(ctx context.Context, message, senderID, conversationID, recipientID string) (*Sealed, error) {
	payload, err := e.encryptRatchet(ctx, message, senderID, conversationID, recipientID)
	if err == nil {
		return &Sealed{Payload: payload, Version: envelope.VersionRatchet}, nil
	}
	if errors.Is(err, ErrGroupKeyNotFound) {
		e.logger.Errorf("Refusing to encrypt for user %s in %s: %v", senderID, conversationID, err)
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	e.logger.Warnf("Ratchet encryption failed for user %s in %s, using fallback cipher: %v", senderID, conversationID, err)

	sealed, fbErr := e.encryptFallback(ctx, message, senderID, conversationID, recipientID)
	if fbErr == nil {
		return sealed, nil
	}
	e.logger.Errorf("Error encrypting message for user %s in %s: %v", senderID, conversationID, fbErr)
	return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, errors.Join(err, fbErr))
}

func (e *Engine) encryptFallback(ctx context.Context, message, senderID, conversationID, recipientID string) (*Sealed, error) {
	if e.fallback == nil {
		return nil, fallback.ErrNoBaseKey
	}
	if err := e.checkMember(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	env, err := e.fallback.Encrypt(message, senderID, conversationID, recipientID)
	if err != nil {
		return nil, err
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &Sealed{Payload: payload, Version: envelope.VersionFallback}, nil
}

// checkMember fails with ErrNotMember unless userID belongs to the
// conversation. Without a membership collaborator everyone belongs.
func (e *Engine) checkMember(ctx context.Context, conversationID, userID string) error {
	if e.groupKeys.membership == nil {
		return nil
	}
	ok, err := e.groupKeys.membership.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, userID, conversationID)
	}
	return nil
}

// checkParty fails with ErrNotParticipant when a private message names a
// recipient and currentUserID is neither its author nor that recipient.
func checkParty(kind envelope.Type, recipientID, senderID, currentUserID string) error {
	if kind != envelope.TypePrivate || recipientID == "" {
		return nil
	}
	if currentUserID != senderID && currentUserID != recipientID {
		return fmt.Errorf("%w: %s", ErrNotParticipant, currentUserID)
	}
	return nil
}

func (e *Engine) encryptRatchet(ctx context.Context, message, senderID, conversationID, recipientID string) (string, error) {
	t := tupleFor(senderID, conversationID, recipientID)
	s := e.sessions.acquire(t)
	defer s.mu.Unlock()

	state, err := e.initLocked(ctx, s, t)
	if err != nil {
		return "", err
	}

	counter, err := e.store.Increment(ctx, fmt.Sprintf(configs.MessageCounterPath, senderID), 1)
	if err != nil {
		return "", fmt.Errorf("failed to advance message counter: %w", err)
	}
	if counter%configs.MessageCounterLimit == 0 {
		e.logger.Warnf("Message counter of user %s reached %d, private key rotation due", senderID, counter)
	}

	messageKey := DeriveMessageKey(state.RootKey, counter, senderID, conversationID)
	defer memzero.Zero(messageKey)

	groupKey, err := e.sharedKey(ctx, t, senderID)
	if err != nil {
		return "", err
	}
	key := combinedKey(groupKey, messageKey)
	memzero.Zero(groupKey)
	defer memzero.Zero(key[:])

	plaintext, err := json.Marshal(envelope.Plaintext{
		Content:   message,
		Timestamp: e.now().UnixMilli(),
		Sender:    senderID,
	})
	if err != nil {
		return "", err
	}
	defer memzero.Zero(plaintext)

	iv, err := aes256.NewIV()
	if err != nil {
		return "", err
	}
	ciphertext, err := aes256.Encrypt(plaintext, key, iv)
	if err != nil {
		return "", err
	}
	mac := hmac.Hash(crypto.DefaultHashFunc, key[:], plaintext)

	encryptedKey, err := keywrap.WrapString(state.RootKey, messageKey)
	if err != nil {
		return "", err
	}

	if counter > state.MessageCounter {
		state.MessageCounter = counter
	}
	if err := e.states.Update(ctx, t, state.MessageCounter); err != nil {
		e.logger.Warnf("Error persisting ratchet counter for %s: %v", t, err)
	}

	return envelope.Marshal(&envelope.Ratchet{
		Cipher:        base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv[:]),
		MAC:           base64.StdEncoding.EncodeToString(mac),
		Type:          t.Type(),
		MessageNumber: counter,
		EncryptedKey:  encryptedKey,
		Recipient:     recipientID,
	})
}

// Decrypt opens a payload written by senderID, as seen by currentUserID.
// Every failure is reported as ErrDecryptionFailed.
func (e *Engine) Decrypt(ctx context.Context, payload, senderID, conversationID, currentUserID string) (string, error) {
	env, err := envelope.Parse(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	switch env := env.(type) {
	case *envelope.Ratchet:
		content, err := e.decryptRatchet(ctx, env, senderID, conversationID, currentUserID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		return content, nil
	case *envelope.Fallback:
		if e.fallback == nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, fallback.ErrNoBaseKey)
		}
		if err := checkParty(env.Type, env.Recipient, senderID, currentUserID); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		if err := e.checkMember(ctx, conversationID, currentUserID); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		content, err := e.fallback.Decrypt(env, senderID, conversationID, currentUserID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		return content, nil
	default:
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, envelope.ErrEnvelopeVersionUnsupported)
	}
}

func (e *Engine) decryptRatchet(ctx context.Context, env *envelope.Ratchet, senderID, conversationID, currentUserID string) (string, error) {
	if err := checkParty(env.Type, env.Recipient, senderID, currentUserID); err != nil {
		return "", err
	}

	peer := ""
	if env.Type == envelope.TypePrivate {
		peer = senderID
		if senderID == currentUserID {
			peer = env.Recipient
		}
		if peer == "" {
			return "", ErrMissingRecipient
		}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Cipher)
	if err != nil {
		return "", fmt.Errorf("invalid cipher encoding: %w", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(ivBytes) != configs.IVSize {
		return "", errors.New("invalid iv")
	}
	mac, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil {
		return "", fmt.Errorf("invalid mac encoding: %w", err)
	}

	t := tupleFor(currentUserID, conversationID, peer)
	s := e.sessions.acquire(t)
	defer s.mu.Unlock()

	state, err := e.initLocked(ctx, s, t)
	if err != nil {
		return "", err
	}

	messageKey := DeriveMessageKey(state.RootKey, env.MessageNumber, senderID, conversationID)
	if env.EncryptedKey != "" {
		unwrapped, err := keywrap.UnwrapString(state.RootKey, env.EncryptedKey)
		if err == nil && len(unwrapped) == configs.KeySize {
			memzero.Zero(messageKey)
			messageKey = unwrapped
		} else {
			e.logger.Debugf("Ignoring encrypted key of message %d in %s: %v", env.MessageNumber, conversationID, err)
		}
	}
	defer memzero.Zero(messageKey)

	groupKey, err := e.sharedKey(ctx, t, currentUserID)
	if err != nil {
		return "", err
	}
	key := combinedKey(groupKey, messageKey)
	memzero.Zero(groupKey)
	defer memzero.Zero(key[:])

	var iv [16]byte
	copy(iv[:], ivBytes)
	plaintext, err := aes256.Decrypt(ciphertext, key, iv)
	if err != nil {
		return "", err
	}
	defer memzero.Zero(plaintext)

	if !hmac.Verify(crypto.DefaultHashFunc, key[:], plaintext, mac) {
		if !e.lenient {
			return "", ErrMACMismatch
		}
		e.logger.Warnf("Accepting message %d from %s in %s despite mac mismatch", env.MessageNumber, senderID, conversationID)
	}

	var pt envelope.Plaintext
	if err := json.Unmarshal(plaintext, &pt); err != nil {
		return "", fmt.Errorf("malformed plaintext: %w", err)
	}

	e.advanceReceiving(ctx, t, state, env.MessageNumber, senderID)
	return pt.Content, nil
}

// advanceReceiving records the highest message number seen for t.
// Persistence failures are logged; the message is already decrypted.
func (e *Engine) advanceReceiving(ctx context.Context, t Tuple, state *State, messageNumber int64, senderID string) {
	if state.ReceivingChainKey == nil {
		state.ReceivingChainKey = receivingChainKey(state.RootKey, senderID, t.Conversation)
	}
	if messageNumber <= state.MessageCounter {
		return
	}
	state.MessageCounter = messageNumber
	if err := e.states.Update(ctx, t, state.MessageCounter); err != nil {
		e.logger.Warnf("Error persisting receiving counter for %s: %v", t, err)
	}
}

// Teardown wipes the live state of t and deletes its persisted copy.
func (e *Engine) Teardown(ctx context.Context, t Tuple) error {
	e.sessions.drop(t)
	return e.states.Remove(ctx, t)
}

// RevokeMember tears down userID's group session and deletes the user's copy
// of the group key. The canonical key is not rotated.
func (e *Engine) RevokeMember(ctx context.Context, conversationID, userID string) error {
	t := GroupTuple(userID, conversationID)
	if err := e.Teardown(ctx, t); err != nil {
		return err
	}
	return e.groupKeys.revoke(ctx, t, userID)
}

// Resync drops live states that have not been reconciled with the store for
// a while so the next use restores them from the persisted copy.
func (e *Engine) Resync(t Tuple) bool {
	s := e.sessions.acquire(t)
	stale := s.state != nil && s.state.NeedsSync(e.now())
	s.mu.Unlock()
	if stale {
		e.sessions.drop(t)
	}
	return stale
}
