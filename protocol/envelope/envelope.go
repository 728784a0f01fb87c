// Package envelope defines the stored form of an encrypted message. The
// version field selects between the ratchet envelope and the legacy
// fallback envelope.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	VersionFallback = 1
	VersionRatchet  = 3
)

var (
	ErrEnvelopeVersionUnsupported = errors.New("envelope version unsupported")
	ErrMalformedEnvelope          = errors.New("malformed envelope")
)

type Type string

const (
	TypePrivate Type = "private"
	TypeGroup   Type = "group"
)

// Envelope is either *Ratchet or *Fallback.
type Envelope interface {
	envelope()
	Kind() Type
}

// Ratchet is produced by the ratchet engine.
type Ratchet struct {
	Cipher        string `json:"cipher"`
	IV            string `json:"iv"`
	MAC           string `json:"mac"`
	Version       int    `json:"version"`
	Type          Type   `json:"type"`
	MessageNumber int64  `json:"messageNumber"`
	EncryptedKey  string `json:"encryptedKey,omitempty"`
	// Recipient names the peer of a private message so its author can
	// re-open it.
	Recipient string `json:"recipient,omitempty"`
}

// Fallback is produced by the fallback cipher.
type Fallback struct {
	Cipher     string `json:"cipher"`
	IV         string `json:"iv"`
	MAC        string `json:"mac"`
	Version    int    `json:"version"`
	KeyVersion string `json:"keyVersion"`
	Type       Type   `json:"type"`
	Recipient  string `json:"recipient,omitempty"`
}

func (*Ratchet) envelope()  {}
func (*Fallback) envelope() {}

func (e *Ratchet) Kind() Type  { return e.Type }
func (e *Fallback) Kind() Type { return e.Type }

// Plaintext is the JSON document that gets encrypted.
type Plaintext struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// Parse decodes a stored payload into its concrete envelope type.
func Parse(payload string) (Envelope, error) {
	var head struct {
		Version *int `json:"version"`
		Type    Type `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedEnvelope)
	}
	if head.Type != TypePrivate && head.Type != TypeGroup {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, head.Type)
	}

	var env Envelope
	switch *head.Version {
	case VersionRatchet:
		env = &Ratchet{}
	case VersionFallback:
		env = &Fallback{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrEnvelopeVersionUnsupported, *head.Version)
	}
	if err := json.Unmarshal([]byte(payload), env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Marshal serializes an envelope, stamping its version.
func Marshal(env Envelope) (string, error) {
	switch e := env.(type) {
	case *Ratchet:
		e.Version = VersionRatchet
	case *Fallback:
		e.Version = VersionFallback
	default:
		return "", ErrEnvelopeVersionUnsupported
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TypeFor returns the envelope type for an optional recipient.
func TypeFor(recipientID string) Type {
	if recipientID != "" {
		return TypePrivate
	}
	return TypeGroup
}
