package configs

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	KeyWrapInfo     = []byte("chatroom-e2ee keywrap")
	GroupWrapInfo   = "chatroom-e2ee group:%s"
	FallbackKeyInfo = "chatroom-e2ee fallback:%s"

	ServerAddress  = "localhost:8080"
	RedisAddress   = "localhost:6379"
	KeyPrefix      = "e2ee:"
	PrivateKeyPath = "/users/{userID}/private-key"
	DevicesPath    = "/keys/{userID}/devices"
	DevicePath     = "/keys/{userID}/devices/{deviceID}"
	SyncPath       = "/keys/{userID}/sync"
	WebSocketPath  = "/ws/chatrooms/{conversationID}"

	// Store paths

	RatchetStatePath      = "ratchetState/%s/%s/%s" // owner, conversation, peer or GroupPeer
	KeyBundleDevicesPath  = "keyBundles/%s/devices"
	KeyBundlePath         = "keyBundles/%s/devices/%s"
	KeySyncRecordsPath    = "keySyncs/%s/records"
	GroupKeyPath          = "groupKey/%s"
	GroupKeyWrappedPath   = "groupKeyWrapped/%s/%s"
	PrivateKeySecretPath  = "privateKeySecret/%s"
	MessageCounterPath    = "messageCounter/%s"
	ChatroomMembersPath   = "chatroomUsers/%s/%s"
	ChatroomMessagesPath  = "chatrooms/%s/messages"
	ChatroomMessagePath   = "chatrooms/%s/messages/%s"
	ChatroomActivityPath  = "chatrooms/%s/activityLogs"
	ChatroomPath          = "chatrooms/%s"
	GroupPeer             = "group"
	PairKeyConversationID = "%s:%s:%s"
)

const (
	PBKDF2Iterations    = 10000
	KeySize             = 32
	IVSize              = 16
	PrivateKeySalt      = "user-key-salt"
	MessageCounterLimit = 1000
	MaxKeyVersions      = 30
	MessagePageLimit    = 100
	ActivityPageLimit   = 50
	DeviceSyncThreshold = 5 * time.Minute
	KeyVersionLayout    = "2006-01"
	Undecryptable       = "[undecryptable]"
)

// Config holds the runtime settings shared by the binaries.
type Config struct {
	ServerAddress string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	SystemSecret    []byte
	FallbackBaseKey []byte
	AuthPublicKey   []byte
	AuthPrivateKey  []byte
	TokenTTL        time.Duration

	LenientMAC          bool
	SessionCacheSize    int
	PrivateKeyCacheSize int
	PrivateKeyCacheTTL  time.Duration
	LogLevel            string
}

// Load reads the given env files (missing files are ignored) and then the
// process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", f, err)
			}
		}
	}

	cfg := &Config{
		ServerAddress:       getenv("E2EE_SERVER_ADDRESS", ServerAddress),
		RedisAddress:        getenv("E2EE_REDIS_ADDRESS", RedisAddress),
		RedisPassword:       os.Getenv("E2EE_REDIS_PASSWORD"),
		KeyPrefix:           getenv("E2EE_KEY_PREFIX", KeyPrefix),
		TokenTTL:            time.Hour,
		SessionCacheSize:    1024,
		PrivateKeyCacheSize: 100,
		PrivateKeyCacheTTL:  2 * time.Hour,
		LogLevel:            getenv("E2EE_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = intEnv("E2EE_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.SessionCacheSize, err = intEnv("E2EE_SESSION_CACHE_SIZE", cfg.SessionCacheSize); err != nil {
		return nil, err
	}
	if cfg.PrivateKeyCacheSize, err = intEnv("E2EE_PRIVATE_KEY_CACHE_SIZE", cfg.PrivateKeyCacheSize); err != nil {
		return nil, err
	}
	if cfg.PrivateKeyCacheTTL, err = durationEnv("E2EE_PRIVATE_KEY_CACHE_TTL", cfg.PrivateKeyCacheTTL); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = durationEnv("E2EE_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if v := os.Getenv("E2EE_LENIENT_MAC"); v != "" {
		if cfg.LenientMAC, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid E2EE_LENIENT_MAC: %w", err)
		}
	}
	if cfg.SystemSecret, err = hexEnv("E2EE_SYSTEM_SECRET"); err != nil {
		return nil, err
	}
	if cfg.FallbackBaseKey, err = hexEnv("E2EE_FALLBACK_BASE_KEY"); err != nil {
		return nil, err
	}
	if cfg.AuthPublicKey, err = hexEnv("E2EE_AUTH_PUBLIC_KEY"); err != nil {
		return nil, err
	}
	if cfg.AuthPrivateKey, err = hexEnv("E2EE_AUTH_PRIVATE_KEY"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func hexEnv(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
