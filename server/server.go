package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/common"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/memzero"
	"chatroom-e2ee/protocol/keybundle"
	"chatroom-e2ee/protocol/privatekey"
	"chatroom-e2ee/protocol/ratchet"
	"chatroom-e2ee/store"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	store      store.Store
	keys       *privatekey.Issuer
	bundles    *keybundle.Registry
	membership *ratchet.StoreMembership
	verifier   *auth.Verifier

	connections map[*websocket.Conn]string
	mutex       *sync.Mutex
	logger      *logrus.Logger

	// WebSocket upgrader settings
	upgrader *websocket.Upgrader
}

func NewServer(ctx context.Context, st store.Store, verifier *auth.Verifier, logger *logrus.Logger) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	return &Server{
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		store:       st,
		keys:        privatekey.NewIssuer(st, logger),
		bundles:     keybundle.NewRegistry(st, logger),
		membership:  ratchet.NewStoreMembership(st),
		verifier:    verifier,
		connections: make(map[*websocket.Conn]string),
		mutex:       &sync.Mutex{},
		logger:      logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router wires every endpoint behind token authentication.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authenticate)
	r.HandleFunc(configs.PrivateKeyPath, s.HandleGetPrivateKey).Methods(http.MethodGet)
	r.HandleFunc(configs.DevicesPath, s.HandleListBundles).Methods(http.MethodGet)
	r.HandleFunc(configs.DevicePath, s.HandleGetBundle).Methods(http.MethodGet)
	r.HandleFunc(configs.DevicePath, s.HandlePutBundle).Methods(http.MethodPut)
	r.HandleFunc(configs.DevicePath, s.HandleDeleteBundle).Methods(http.MethodDelete)
	r.HandleFunc(configs.SyncPath, s.HandleSync).Methods(http.MethodPost)
	r.HandleFunc(configs.WebSocketPath, s.HandleConnections)
	return r
}

func (s *Server) Close() {
	s.cancelCtx()
	// Close all WebSocket connections
	s.mutex.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.mutex.Unlock()
}

// authenticate accepts a bearer token, or a token query parameter for
// browsers that cannot set headers on WebSocket requests.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		userID, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Warnf("Rejected token for %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

func writeJSON(w http.ResponseWriter, status int, resp common.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, common.APIResponse{Success: false, Error: msg})
}

// owner checks that the caller acts on their own resources.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mux.Vars(r)["userID"]
	caller, err := auth.UserFrom(r.Context())
	if err != nil || caller != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return userID, true
}

func (s *Server) HandleGetPrivateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.owner(w, r)
	if !ok {
		return
	}

	secret, err := s.keys.FetchOrCreate(r.Context(), userID)
	if err != nil {
		s.logger.Errorf("Error fetching private key for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "private key unavailable")
		return
	}
	defer memzero.Zero(secret)

	writeJSON(w, http.StatusOK, common.APIResponse{
		Success: true,
		Data:    common.PrivateKeyData{Key: base64.StdEncoding.EncodeToString(secret)},
	})
}

func (s *Server) HandlePutBundle(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.owner(w, r)
	if !ok {
		return
	}
	deviceID := mux.Vars(r)["deviceID"]

	var bundle common.KeyBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		s.logger.Errorf("Error decoding key bundle for user %s: %v", userID, err)
		writeError(w, http.StatusBadRequest, "invalid key bundle")
		return
	}
	if err := keybundle.Verify(&bundle); err != nil {
		s.logger.Warnf("Rejected key bundle for user %s device %s: %v", userID, deviceID, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.bundles.Store(r.Context(), userID, deviceID, &bundle); err != nil {
		s.logger.Errorf("Error storing key bundle for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to store key bundle")
		return
	}

	s.logger.Infof("Key bundle published for user %s device %s", userID, deviceID)
	writeJSON(w, http.StatusOK, common.APIResponse{Success: true})
}

func (s *Server) HandleGetBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bundle, err := s.bundles.Get(r.Context(), vars["userID"], vars["deviceID"])
	if errors.Is(err, keybundle.ErrKeyBundleNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Errorf("Error retrieving key bundle for user %s: %v", vars["userID"], err)
		writeError(w, http.StatusInternalServerError, "failed to read key bundle")
		return
	}
	writeJSON(w, http.StatusOK, common.APIResponse{Success: true, Data: bundle})
}

func (s *Server) HandleListBundles(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	devices, err := s.bundles.List(r.Context(), userID)
	if err != nil {
		s.logger.Errorf("Error listing key bundles for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list key bundles")
		return
	}
	writeJSON(w, http.StatusOK, common.APIResponse{Success: true, Data: devices})
}

func (s *Server) HandleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.owner(w, r)
	if !ok {
		return
	}
	deviceID := mux.Vars(r)["deviceID"]
	if err := s.bundles.Remove(r.Context(), userID, deviceID); err != nil {
		s.logger.Errorf("Error removing key bundle for user %s device %s: %v", userID, deviceID, err)
		writeError(w, http.StatusInternalServerError, "failed to remove key bundle")
		return
	}
	writeJSON(w, http.StatusOK, common.APIResponse{Success: true})
}

// SyncResult is the Data of a sync response.
type SyncResult struct {
	Synced []string `json:"synced"`
	Failed string   `json:"failed,omitempty"`
}

func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.owner(w, r)
	if !ok {
		return
	}
	synced, err := s.bundles.SyncAll(r.Context(), userID)
	result := SyncResult{Synced: synced}
	if synced == nil {
		result.Synced = []string{}
	}
	if err != nil {
		result.Failed = err.Error()
	}
	writeJSON(w, http.StatusOK, common.APIResponse{Success: err == nil, Data: result})
}

// HandleConnections streams store change events of one conversation to a
// member over a WebSocket.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationID"]
	userID, err := auth.UserFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	member, err := s.membership.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		s.logger.Errorf("Error checking membership of %s in %s: %v", userID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "membership unavailable")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	events, unsubscribe, err := s.store.Subscribe(ctx, fmt.Sprintf(configs.ChatroomPath, conversationID))
	if err != nil {
		s.logger.Errorf("Error subscribing to %s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	defer unsubscribe()

	// Upgrade HTTP request to WebSocket
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}
	defer ws.Close()

	s.mutex.Lock()
	s.connections[ws] = userID
	s.mutex.Unlock()
	s.logger.Infof("User %s watching %s", userID, conversationID)

	// the reader only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := ws.WriteJSON(ev); err != nil {
			s.logger.Errorf("Error sending event to user %s: %v", userID, err)
			break
		}
	}

	s.mutex.Lock()
	delete(s.connections, ws)
	s.mutex.Unlock()
	s.logger.Infof("User %s stopped watching %s", userID, conversationID)
}
