package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, env Envelope)
		wantErr error
	}{
		{
			name:    "Ratchet envelope",
			payload: `{"cipher":"c","iv":"i","mac":"m","version":3,"type":"group","messageNumber":7,"encryptedKey":"k"}`,
			check: func(t *testing.T, env Envelope) {
				r, ok := env.(*Ratchet)
				require.True(t, ok)
				assert.Equal(t, int64(7), r.MessageNumber)
				assert.Equal(t, "k", r.EncryptedKey)
				assert.Equal(t, TypeGroup, r.Kind())
			},
		},
		{
			name:    "Fallback envelope",
			payload: `{"cipher":"c","iv":"i","mac":"m","version":1,"keyVersion":"2024-05","type":"private","recipient":"u2"}`,
			check: func(t *testing.T, env Envelope) {
				f, ok := env.(*Fallback)
				require.True(t, ok)
				assert.Equal(t, "2024-05", f.KeyVersion)
				assert.Equal(t, "u2", f.Recipient)
			},
		},
		{"Unknown version", `{"version":4,"type":"group"}`, nil, ErrEnvelopeVersionUnsupported},
		{"Missing version", `{"type":"group"}`, nil, ErrMalformedEnvelope},
		{"Unknown type", `{"version":3,"type":"broadcast"}`, nil, ErrMalformedEnvelope},
		{"Not JSON", `hello`, nil, ErrMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse(tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, env)
		})
	}
}

func TestMarshalStampsVersion(t *testing.T) {
	payload, err := Marshal(&Ratchet{Type: TypePrivate, Version: 99})
	require.NoError(t, err)
	env, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, VersionRatchet, env.(*Ratchet).Version)

	payload, err = Marshal(&Fallback{Type: TypeGroup})
	require.NoError(t, err)
	env, err = Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, VersionFallback, env.(*Fallback).Version)
}

func TestTypeFor(t *testing.T) {
	assert.Equal(t, TypeGroup, TypeFor(""))
	assert.Equal(t, TypePrivate, TypeFor("u2"))
}
