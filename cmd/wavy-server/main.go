// Package main is the entry point for the wavy-server process.
package main

import (
	"os"

	"github.com/oinkognito/wavy/cmd/wavy-server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
