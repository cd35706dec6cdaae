// Package main provides patternctl, the operator CLI for PatternForge
// pattern packs and offline event replay.
package main

import (
	"os"
)

// Version information (injected at build time via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
