package main

import (
	"flag"
	"fmt"
	"log"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/aes256"
	"chatroom-e2ee/crypto/key_ed25519"
)

func main() {
	tokenFor := flag.String("token", "", "print an ID token for this user, signed with E2EE_AUTH_PRIVATE_KEY")
	flag.Parse()

	if *tokenFor != "" {
		cfg, err := configs.Load()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if len(cfg.AuthPrivateKey) == 0 {
			log.Fatal("E2EE_AUTH_PRIVATE_KEY is not set")
		}
		token, err := auth.NewIssuer(key_ed25519.PrivateKey(cfg.AuthPrivateKey), cfg.TokenTTL).Issue(*tokenFor)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	systemSecret, err := aes256.NewKey()
	if err != nil {
		log.Fatalf("Failed to generate system secret: %v", err)
	}
	baseKey, err := aes256.NewKey()
	if err != nil {
		log.Fatalf("Failed to generate fallback base key: %v", err)
	}
	// Generate the token signing key pair
	pair, err := key_ed25519.NewPair()
	if err != nil {
		log.Fatalf("Failed to generate auth key pair: %v", err)
	}

	fmt.Printf("E2EE_SYSTEM_SECRET=%x\n", systemSecret)
	fmt.Printf("E2EE_FALLBACK_BASE_KEY=%x\n", baseKey)
	fmt.Printf("E2EE_AUTH_PRIVATE_KEY=%x\n", []byte(pair.Priv))
	fmt.Printf("E2EE_AUTH_PUBLIC_KEY=%x\n", []byte(pair.Pub))
}
