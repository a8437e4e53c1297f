// Package main is the entry point of the organaiser CLI.
package main

import (
	"fmt"
	"os"

	"github.com/IronChariot/organaiser-discord-bot/cmd/organaiser/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
