// Command voicehome runs the voice-controlled home backend.
//
// Usage:
//
//	voicehome [--config config.yaml] [serve]
//	voicehome seed
package main

import (
	"fmt"
	"os"

	"voice-home/cmd/voicehome/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
