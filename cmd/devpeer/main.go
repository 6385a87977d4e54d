// Package main provides the development assistant peer.
//
// Usage:
//
//	devpeer [--config file] [--addr :8080]
//
// It speaks the voice client's WebSocket protocol on /ws so the client can be
// exercised without a production assistant.
package main

import (
	"fmt"
	"os"

	"github.com/satriahrh/arunika/client/cmd/devpeer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
