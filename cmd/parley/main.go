// Command parley runs a duplex voice conversation with a realtime
// speech-to-speech model.
//
// Usage:
//
//	parley [--config parley.yaml] <command>
//
// Commands:
//
//	serve   - run the HTTP control API (start/stop sessions, read transcripts)
//	talk    - hold one conversation in the terminal until Ctrl+C
//	voices  - list the prebuilt voices of every built-in provider
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "parley:", err)
		os.Exit(1)
	}
}
