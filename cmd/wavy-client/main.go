// Package main is the entry point for the wavy-client process.
package main

import (
	"os"

	"github.com/oinkognito/wavy/cmd/wavy-client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
