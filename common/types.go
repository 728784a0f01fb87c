package common

import (
	"chatroom-e2ee/store"
)

// SignedPreKey is a medium-term pre-key signed by the identity key.
type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// PreKey is a one-time pre-key.
type PreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// KeyBundle is the public key set a device publishes.
type KeyBundle struct {
	RegistrationID uint32       `json:"registrationId"`
	IdentityKey    []byte       `json:"identityKey"`
	SignedPreKey   SignedPreKey `json:"signedPreKey"`
	PreKey         PreKey       `json:"preKey"`
}

// StoredKeyBundle is a KeyBundle as persisted for one device.
type StoredKeyBundle struct {
	KeyBundle
	Timestamp store.ServerTime `json:"timestamp"`
}

// DeviceBundle pairs a device id with its stored bundle.
type DeviceBundle struct {
	DeviceID string          `json:"deviceId"`
	Bundle   StoredKeyBundle `json:"bundle"`
}

const SyncStatusCompleted = "completed"

// SyncRecord is the audit entry written for every bundle copy.
type SyncRecord struct {
	SourceDeviceID string           `json:"sourceDeviceId"`
	TargetDeviceID string           `json:"targetDeviceId"`
	Timestamp      store.ServerTime `json:"timestamp"`
	Status         string           `json:"status"`
}

const (
	MessageTypeText    = "text"
	MessageTypeFile    = "file"
	MessageTypeImage   = "image"
	MessageTypeVideo   = "video"
	MessageTypeSystem  = "system"
	MessageTypeDeleted = "deleted message"
)

// ChatMessage is a message document under chatrooms/{id}/messages.
type ChatMessage struct {
	ID             string                     `json:"id,omitempty"`
	MessageContent string                     `json:"messageContent"`
	SenderID       string                     `json:"senderId"`
	RecipientID    string                     `json:"recipientId,omitempty"`
	CreatedAt      store.ServerTime           `json:"createdAt"`
	MessageType    string                     `json:"messageType"`
	Reactions      map[string]map[string]bool `json:"reactions,omitempty"`
	IsPinned       bool                       `json:"isPinned,omitempty"`
	IsDeleted      bool                       `json:"isDeleted,omitempty"`
}

// ActivityLog is an entry under chatrooms/{id}/activityLogs.
type ActivityLog struct {
	Key       string           `json:"-"`
	Details   string           `json:"details"`
	UserID    string           `json:"userId,omitempty"`
	Timestamp store.ServerTime `json:"timestamp"`
}

// Member is the membership node chatroomUsers/{conversationId}/{userId}.
type Member struct {
	JoinedAt store.ServerTime `json:"joinedAt"`
}

// APIResponse is the JSON body every HTTP endpoint answers with.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PrivateKeyData is the Data of a private-key response.
type PrivateKeyData struct {
	Key string `json:"key"`
}
