package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"chatroom-e2ee/crypto/key_ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)
	other, err := key_ed25519.NewPair()
	require.NoError(t, err)

	issuer := NewIssuer(pair.Priv, time.Hour)
	token, err := issuer.Issue("u1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *Verifier
		token    string
		want     string
		wantErr  error
	}{
		{"Valid token", NewVerifier(pair.Pub), token, "u1", nil},
		{"Wrong key", NewVerifier(other.Pub), token, "", ErrInvalidToken},
		{"Missing signature", NewVerifier(pair.Pub), strings.Split(token, ".")[0], "", ErrMalformedToken},
		{"Tampered payload", NewVerifier(pair.Pub), "x" + token, "", ErrInvalidToken},
		{"Garbage", NewVerifier(pair.Pub), "a.!!", "", ErrMalformedToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.verifier.Verify(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpiredToken(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	issuer := NewIssuer(pair.Priv, time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, err := issuer.Issue("u1")
	require.NoError(t, err)

	_, err = NewVerifier(pair.Pub).Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestUserContext(t *testing.T) {
	_, err := UserFrom(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)

	userID, err := UserFrom(WithUser(context.Background(), "u2"))
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)
}
