// Package client talks to the relay server: it fetches private keys,
// publishes and syncs key bundles, and follows a conversation's change feed.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatroom-e2ee/common"
	"chatroom-e2ee/protocol/keybundle"
	"chatroom-e2ee/protocol/privatekey"
	"chatroom-e2ee/store"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrRequestFailed = errors.New("request failed")

// TokenSource returns the ID token sent with every request.
type TokenSource func(ctx context.Context) (string, error)

type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *logrus.Logger
}

var _ privatekey.Fetcher = (*Client)(nil)

// New returns a client for serverAddress, either host:port or a full URL.
func New(serverAddress string, tokens TokenSource, logger *logrus.Logger) *Client {
	base := serverAddress
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		tokens:  tokens,
		http:    http.DefaultClient,
		logger:  logger,
	}
}

type response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// do sends a request and decodes the data of the response into out. The
// status code is returned alongside any error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var decoded response[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !decoded.Success {
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %s (%s)", ErrRequestFailed, method, path, resp.Status, decoded.Error)
	}
	if out != nil && len(decoded.Data) > 0 {
		if err := json.Unmarshal(decoded.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// FetchPrivateKey asks the server for the caller's private key secret.
func (c *Client) FetchPrivateKey(ctx context.Context, userID string) ([]byte, error) {
	var data common.PrivateKeyData
	if _, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/private-key", nil, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", privatekey.ErrPrivateKeyUnavailable, err)
	}
	secret, err := base64.StdEncoding.DecodeString(data.Key)
	if err != nil || len(secret) == 0 {
		return nil, fmt.Errorf("%w: malformed key", privatekey.ErrPrivateKeyUnavailable)
	}
	return secret, nil
}

func devicePath(userID, deviceID string) string {
	return "/keys/" + url.PathEscape(userID) + "/devices/" + url.PathEscape(deviceID)
}

func (c *Client) PublishBundle(ctx context.Context, userID, deviceID string, bundle *common.KeyBundle) error {
	_, err := c.do(ctx, http.MethodPut, devicePath(userID, deviceID), bundle, nil)
	return err
}

func (c *Client) GetBundle(ctx context.Context, userID, deviceID string) (*common.StoredKeyBundle, error) {
	var bundle common.StoredKeyBundle
	status, err := c.do(ctx, http.MethodGet, devicePath(userID, deviceID), nil, &bundle)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", keybundle.ErrKeyBundleNotFound, userID, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (c *Client) ListBundles(ctx context.Context, userID string) ([]common.DeviceBundle, error) {
	var devices []common.DeviceBundle
	if _, err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(userID)+"/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) RemoveBundle(ctx context.Context, userID, deviceID string) error {
	_, err := c.do(ctx, http.MethodDelete, devicePath(userID, deviceID), nil, nil)
	return err
}

// SyncAll asks the server to copy the newest bundle to the user's other
// devices and returns the devices that were updated.
func (c *Client) SyncAll(ctx context.Context, userID string) ([]string, error) {
	var result struct {
		Synced []string `json:"synced"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/keys/"+url.PathEscape(userID)+"/sync", nil, &result); err != nil {
		return nil, err
	}
	return result.Synced, nil
}

// Watch streams the change events of a conversation until ctx is done or
// the server closes the connection.
func (c *Client) Watch(ctx context.Context, conversationID string) (<-chan store.Event, error) {
	token, err := c.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/chatrooms/" + url.PathEscape(conversationID)
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	events := make(chan store.Event)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev store.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("Error reading events of %s: %v", conversationID, err)
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
