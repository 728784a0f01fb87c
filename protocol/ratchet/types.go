package ratchet

import (
	"fmt"
	"time"

	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/protocol/envelope"
)

// Tuple identifies one ratchet. An empty Peer means group mode.
type Tuple struct {
	Owner        string
	Conversation string
	Peer         string
}

func GroupTuple(owner, conversationID string) Tuple {
	return Tuple{Owner: owner, Conversation: conversationID}
}

func PairTuple(owner, conversationID, peer string) Tuple {
	return Tuple{Owner: owner, Conversation: conversationID, Peer: peer}
}

func (t Tuple) IsGroup() bool { return t.Peer == "" }

func (t Tuple) Type() envelope.Type {
	if t.IsGroup() {
		return envelope.TypeGroup
	}
	return envelope.TypePrivate
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Owner, t.Conversation, t.peerSegment())
}

func (t Tuple) peerSegment() string {
	if t.IsGroup() {
		return configs.GroupPeer
	}
	return t.Peer
}

// pair returns both parties of a pairwise tuple in a fixed order so the two
// sides agree on derived names.
func (t Tuple) pair() (string, string) {
	if t.Owner < t.Peer {
		return t.Owner, t.Peer
	}
	return t.Peer, t.Owner
}

// keyID names the shared key of the tuple: the conversation for a group, a
// pair-scoped id for a pairwise session.
func (t Tuple) keyID() string {
	if t.IsGroup() {
		return t.Conversation
	}
	lo, hi := t.pair()
	return fmt.Sprintf(configs.PairKeyConversationID, t.Conversation, lo, hi)
}

// State is the key derivation context of one tuple.
type State struct {
	RootKey           []byte
	SendingChainKey   []byte
	ReceivingChainKey []byte
	// MessageCounter is the highest message number sent or received.
	MessageCounter    int64
	LastSyncTime      time.Time
}

// NeedsSync reports whether the state has not been reconciled with the
// store recently.
func (s *State) NeedsSync(now time.Time) bool {
	return now.Sub(s.LastSyncTime) > configs.DeviceSyncThreshold
}

func (s *State) MarkSynced(now time.Time) {
	s.LastSyncTime = now
}

// Wipe zeroes every secret held by the state.
func (s *State) Wipe() {
	memzero.ZeroAll(s.RootKey, s.SendingChainKey, s.ReceivingChainKey)
	s.RootKey, s.SendingChainKey, s.ReceivingChainKey = nil, nil, nil
}

func (s *State) clone() *State {
	c := *s
	c.RootKey = cloneBytes(s.RootKey)
	c.SendingChainKey = cloneBytes(s.SendingChainKey)
	c.ReceivingChainKey = cloneBytes(s.ReceivingChainKey)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Sealed is the outcome of a successful Encrypt.
type Sealed struct {
	Payload string
	Version int
}

// Degraded reports whether the message went through the fallback cipher.
func (s *Sealed) Degraded() bool {
	return s.Version != envelope.VersionRatchet
}
