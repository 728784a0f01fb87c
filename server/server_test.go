package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/common"
	"chatroom-e2ee/crypto/key_ed25519"
	"chatroom-e2ee/protocol/keybundle"
	"chatroom-e2ee/protocol/ratchet"
	"chatroom-e2ee/store"
	"chatroom-e2ee/store/storetest"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store  *store.Redis
	tokens *auth.Issuer
	url    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)
	st, _ := storetest.New(t)

	s := NewServer(context.Background(), st, auth.NewVerifier(pair.Pub), logger)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &testEnv{store: st, tokens: auth.NewIssuer(pair.Priv, time.Hour), url: ts.URL}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (int, common.APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, e.url+path, reader)
	require.NoError(t, err)
	if userID != "" {
		token, err := e.tokens.Issue(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out common.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestPrivateKeyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		caller     string
		wantStatus int
	}{
		{"Missing token", "", http.StatusUnauthorized},
		{"Other user", "u2", http.StatusForbidden},
		{"Owner", "u1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodGet, "/users/u1/private-key", tt.caller, nil)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantStatus == http.StatusOK, resp.Success)
		})
	}

	keyOf := func() string {
		_, resp := env.do(t, http.MethodGet, "/users/u1/private-key", "u1", nil)
		data := resp.Data.(map[string]any)
		return data["key"].(string)
	}
	first := keyOf()
	raw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, first, keyOf())
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.url+"/users/u1/private-key", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not.atoken")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBundleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	bundle, _, err := keybundle.Generate(1, 1)
	require.NoError(t, err)

	forged := *bundle
	forged.SignedPreKey.Signature = append([]byte(nil), bundle.SignedPreKey.Signature...)
	forged.SignedPreKey.Signature[0] ^= 0xff

	steps := []struct {
		name       string
		method     string
		path       string
		caller     string
		body       any
		wantStatus int
	}{
		{"Publish for someone else", http.MethodPut, "/keys/u1/devices/d1", "u2", bundle, http.StatusForbidden},
		{"Publish forged bundle", http.MethodPut, "/keys/u1/devices/d1", "u1", &forged, http.StatusBadRequest},
		{"Publish", http.MethodPut, "/keys/u1/devices/d1", "u1", bundle, http.StatusOK},
		{"Read by peer", http.MethodGet, "/keys/u1/devices/d1", "u2", nil, http.StatusOK},
		{"Read missing", http.MethodGet, "/keys/u1/devices/d9", "u2", nil, http.StatusNotFound},
		{"Delete by peer", http.MethodDelete, "/keys/u1/devices/d1", "u2", nil, http.StatusForbidden},
	}
	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			status, _ := env.do(t, step.method, step.path, step.caller, step.body)
			assert.Equal(t, step.wantStatus, status)
		})
	}

	_, resp := env.do(t, http.MethodGet, "/keys/u1/devices", "u2", nil)
	require.True(t, resp.Success)
	devices := resp.Data.([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].(map[string]any)["deviceId"])

	status, _ := env.do(t, http.MethodDelete, "/keys/u1/devices/d1", "u1", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/keys/u1/devices/d1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for _, device := range []string{"d1", "d2"} {
		bundle, _, err := keybundle.Generate(1, 1)
		require.NoError(t, err)
		status, _ := env.do(t, http.MethodPut, "/keys/u1/devices/"+device, "u1", bundle)
		require.Equal(t, http.StatusOK, status)
	}

	status, resp := env.do(t, http.MethodPost, "/keys/u1/sync", "u1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{"d1"}, data["synced"])

	status, _ = env.do(t, http.MethodPost, "/keys/u1/sync", "u2", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestChangeFeed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, ratchet.NewStoreMembership(env.store).Add(ctx, "c1", "u1"))

	dial := func(userID string) (*websocket.Conn, *http.Response, error) {
		token, err := env.tokens.Issue(userID)
		require.NoError(t, err)
		url := "ws" + strings.TrimPrefix(env.url, "http") + "/ws/chatrooms/c1?token=" + token
		return websocket.DefaultDialer.Dial(url, nil)
	}

	_, resp, err := dial("u2")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial("u1")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, env.store.Set(ctx, "chatrooms/c2/messages/m1", map[string]string{"x": "y"}))
	require.NoError(t, env.store.Set(ctx, "chatrooms/c1/messages/m1", map[string]string{"x": "y"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev store.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "chatrooms/c1/messages/m1", ev.Path)
	assert.Equal(t, store.OpSet, ev.Op)
}
