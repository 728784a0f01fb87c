package main

import (
	"os"

	"chatroom-e2ee/cmd/e2ee/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
