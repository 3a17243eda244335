// Package main is the entry point for the rem CLI.
//
// Usage:
//
//	rem [flags] <command> [subcommand] [args]
//
// Commands:
//
//	schema    - generate/diff/apply entity DDL
//	compact   - run the moment builder over a session
//	query     - execute one REM dialect query string
//	agent     - run a schema-bound agent for one turn
//	dream     - run the background synthesis passes for one tenant
package main

import (
	"fmt"
	"os"

	"github.com/percolation-labs/rem/cmd/rem/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
