// Package main provides the voice client CLI.
//
// Usage:
//
//	voiceclient [flags]
//
// Lines typed on stdin are spoken to the assistant when the console recognizer
// is selected. Lines starting with a slash are commands: /connect, /register,
// /mic, /disconnect, /quit.
package main

import (
	"fmt"
	"os"

	"github.com/satriahrh/arunika/client/cmd/voiceclient/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
