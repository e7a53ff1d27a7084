// Package main is the entry point for the transcodarr application.
package main

import (
	"os"

	"github.com/jmylchreest/transcodarr/cmd/transcodarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
