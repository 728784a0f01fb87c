// Package commands implements the e2ee command line client.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/client"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/key_ed25519"
	"chatroom-e2ee/pipeline"
	"chatroom-e2ee/protocol/fallback"
	"chatroom-e2ee/protocol/keybundle"
	"chatroom-e2ee/protocol/privatekey"
	"chatroom-e2ee/protocol/ratchet"
	"chatroom-e2ee/store"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	userFlag          = "user"
	tokenFlag         = "token"
	serverAddressFlag = "server_address"
	redisAddressFlag  = "redis_address"
	keyPrefixFlag     = "key_prefix"
	logLevelFlag      = "log_level"
)

var (
	logger  = logrus.New()
	envFile string
	appCtx  *app
)

// app holds everything a command needs, built once per invocation.
type app struct {
	userID     string
	redis      *redis.Client
	client     *client.Client
	registry   *keybundle.Registry
	membership *ratchet.StoreMembership
	pipeline   *pipeline.Pipeline
}

func (a *app) ctx(parent context.Context) context.Context {
	return auth.WithUser(parent, a.userID)
}

func Execute() error {
	root := &cobra.Command{
		Use:          "e2ee",
		Short:        "End-to-end encrypted chatroom client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			appCtx = a
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appCtx != nil {
				appCtx.redis.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&envFile, "env", ".env", "env file with E2EE_* settings")
	bindings := []struct{ key, flag, usage string }{
		{userFlag, "user", "your user id"},
		{tokenFlag, "token", "ID token (default: signed locally with E2EE_AUTH_PRIVATE_KEY)"},
		{serverAddressFlag, "server", "relay server address"},
		{redisAddressFlag, "redis", "redis address"},
		{keyPrefixFlag, "prefix", "store key prefix"},
		{logLevelFlag, "log-level", "log level"},
	}
	for _, b := range bindings {
		flags.String(b.flag, "", b.usage)
		if err := viper.BindPFlag(b.key, flags.Lookup(b.flag)); err != nil {
			logger.Errorf("Failed to bind flag %q: %v", b.flag, err)
		}
	}
	viper.SetEnvPrefix("E2EE")
	viper.AutomaticEnv()

	root.AddCommand(
		provisionCmd(), devicesCmd(), syncCmd(), fingerprintCmd(),
		joinCmd(), sendCmd(), readCmd(), watchCmd(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return root.ExecuteContext(ctx)
}

func newApp() (*app, error) {
	cfg, err := configs.Load(envFile)
	if err != nil {
		return nil, err
	}
	// flags and environment win over the env file defaults
	if v := viper.GetString(serverAddressFlag); v != "" {
		cfg.ServerAddress = v
	}
	if v := viper.GetString(redisAddressFlag); v != "" {
		cfg.RedisAddress = v
	}
	if v := viper.GetString(keyPrefixFlag); v != "" {
		cfg.KeyPrefix = v
	}
	if v := viper.GetString(logLevelFlag); v != "" {
		cfg.LogLevel = v
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	userID := viper.GetString(userFlag)
	if userID == "" {
		return nil, errors.New("no user: pass --user or set E2EE_USER")
	}
	tokens, err := tokenSource(cfg, userID)
	if err != nil {
		return nil, err
	}
	if len(cfg.SystemSecret) == 0 {
		return nil, errors.New("E2EE_SYSTEM_SECRET is not set")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := store.NewRedis(redisClient, cfg.KeyPrefix)
	c := client.New(cfg.ServerAddress, tokens, logger)
	membership := ratchet.NewStoreMembership(st)

	var fb *fallback.Cipher
	if len(cfg.FallbackBaseKey) > 0 {
		fb = fallback.New(cfg.FallbackBaseKey)
	}
	engine, err := ratchet.New(st, privatekey.NewProvider(c, cfg.PrivateKeyCacheSize, cfg.PrivateKeyCacheTTL), ratchet.Options{
		SystemSecret:     cfg.SystemSecret,
		LenientMAC:       cfg.LenientMAC,
		SessionCacheSize: cfg.SessionCacheSize,
		Membership:       membership,
		Fallback:         fb,
	}, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	p, err := pipeline.New(engine, st, membership, configs.MessagePageLimit*4, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	return &app{
		userID:     userID,
		redis:      redisClient,
		client:     c,
		registry:   keybundle.NewRegistry(st, logger),
		membership: membership,
		pipeline:   p,
	}, nil
}

func tokenSource(cfg *configs.Config, userID string) (client.TokenSource, error) {
	if token := viper.GetString(tokenFlag); token != "" {
		return func(context.Context) (string, error) { return token, nil }, nil
	}
	if len(cfg.AuthPrivateKey) == 0 {
		return nil, errors.New("no token: pass --token or set E2EE_AUTH_PRIVATE_KEY")
	}
	return auth.NewIssuer(key_ed25519.PrivateKey(cfg.AuthPrivateKey), cfg.TokenTTL).TokenFor(userID), nil
}

func printPage(page []pipeline.Message) {
	for _, m := range page {
		fmt.Println(formatMessage(m))
	}
}

func formatMessage(m pipeline.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", m.CreatedAt, m.SenderID)
	if m.RecipientID != "" {
		fmt.Fprintf(&b, " -> %s", m.RecipientID)
	}
	fmt.Fprintf(&b, ": %s", m.MessageContent)
	if m.IsPinned {
		b.WriteString(" (pinned)")
	}
	for emoji, n := range m.ReactionCounts {
		fmt.Fprintf(&b, " %s%d", emoji, n)
	}
	return b.String()
}
