package ratchet

import (
	"context"
	"fmt"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/keywrap"
	"chatroom-e2ee/store"
)

// StateStore persists ratchet states under the owner's namespace. Chain keys
// are stored wrapped under the owner's private key secret; the root key is
// never persisted and is derived again on restore.
type StateStore struct {
	store store.Store
}

func NewStateStore(st store.Store) *StateStore {
	return &StateStore{store: st}
}

type persistedState struct {
	SendingChainKey   string           `json:"sendingChainKey,omitempty"`
	ReceivingChainKey string           `json:"receivingChainKey,omitempty"`
	MessageCounter    int64            `json:"messageCounter"`
	LastUpdated       store.ServerTime `json:"lastUpdated"`
}

func statePath(t Tuple) string {
	return fmt.Sprintf(configs.RatchetStatePath, t.Owner, t.Conversation, t.peerSegment())
}

// Load restores the chain keys and counter of t. RootKey is left unset.
func (s *StateStore) Load(ctx context.Context, t Tuple, secret []byte) (*State, bool, error) {
	var p persistedState
	found, err := s.store.Get(ctx, statePath(t), &p)
	if err != nil || !found {
		return nil, false, err
	}

	state := &State{MessageCounter: p.MessageCounter}
	if p.SendingChainKey != "" {
		if state.SendingChainKey, err = keywrap.UnwrapString(secret, p.SendingChainKey); err != nil {
			return nil, false, fmt.Errorf("failed to unwrap sending chain key of %s: %w", t, err)
		}
	}
	if p.ReceivingChainKey != "" {
		if state.ReceivingChainKey, err = keywrap.UnwrapString(secret, p.ReceivingChainKey); err != nil {
			return nil, false, fmt.Errorf("failed to unwrap receiving chain key of %s: %w", t, err)
		}
	}
	return state, true, nil
}

// Save overwrites the persisted state of t.
func (s *StateStore) Save(ctx context.Context, t Tuple, state *State, secret []byte) error {
	p := persistedState{MessageCounter: state.MessageCounter}
	var err error
	if state.SendingChainKey != nil {
		if p.SendingChainKey, err = keywrap.WrapString(secret, state.SendingChainKey); err != nil {
			return err
		}
	}
	if state.ReceivingChainKey != nil {
		if p.ReceivingChainKey, err = keywrap.WrapString(secret, state.ReceivingChainKey); err != nil {
			return err
		}
	}
	if err := s.store.Set(ctx, statePath(t), p); err != nil {
		return fmt.Errorf("failed to save ratchet state %s: %w", t, err)
	}
	return nil
}

// Update merges only the counter and timestamp, leaving chain keys written
// by other sessions of the same user untouched.
func (s *StateStore) Update(ctx context.Context, t Tuple, counter int64) error {
	err := s.store.Update(ctx, statePath(t), map[string]any{
		"messageCounter": counter,
		"lastUpdated":    store.ServerTime(0),
	})
	if err != nil {
		return fmt.Errorf("failed to update ratchet state %s: %w", t, err)
	}
	return nil
}

func (s *StateStore) Remove(ctx context.Context, t Tuple) error {
	if err := s.store.Remove(ctx, statePath(t)); err != nil {
		return fmt.Errorf("failed to remove ratchet state %s: %w", t, err)
	}
	return nil
}
