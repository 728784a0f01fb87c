package ratchet

import (
	"strconv"

	"chatroom-e2ee/crypto"
	"chatroom-e2ee/crypto/hmac"
	"chatroom-e2ee/crypto/pbkdf2"
	"chatroom-e2ee/crypto/sha256"
)

var sep = []byte(":")

// DeriveMessageKey is SHA256(rootKey:counter:senderID:conversationID). The
// sender id is always the message author, on both sides.
func DeriveMessageKey(rootKey []byte, counter int64, senderID, conversationID string) []byte {
	return sha256.Join(sep, rootKey, []byte(strconv.FormatInt(counter, 10)), []byte(senderID), []byte(conversationID))
}

func combinedKey(groupKey, messageKey []byte) [32]byte {
	var key [32]byte
	copy(key[:], sha256.Join(sep, groupKey, messageKey))
	return key
}

func sendingChainKey(rootKey []byte, owner, conversationID string) []byte {
	return hmac.Hash(crypto.DefaultHashFunc, rootKey, []byte("sending:"+owner+":"+conversationID))
}

func receivingChainKey(rootKey []byte, senderID, conversationID string) []byte {
	return hmac.Hash(crypto.DefaultHashFunc, rootKey, []byte("receiving:"+senderID+":"+conversationID))
}

// pairRootKey derives the root of a pairwise tuple from the pair key.
func pairRootKey(pairKey []byte, t Tuple) []byte {
	lo, hi := t.pair()
	return pbkdf2.Key(pairKey, []byte(lo+":"+hi+":"+t.Conversation))
}
