// Package main provides the pushsync command: a one-way push file sync
// server and client with versioned backups.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
