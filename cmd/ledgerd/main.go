/*
main.go - Application entry point

PURPOSE:
  ledgerd runs the seed-lot ledger HTTP service and offers read-only
  inspection commands against the same database.

COMMANDS:
  serve     Start the HTTP API (graceful shutdown on SIGINT/SIGTERM)
  balance   Print a partition's totals and bin card
  pools     Print a partition's balance pool buckets

CONFIGURATION:
  Environment variables (LEDGER_*), optionally from the file given by
  --env. See config/config.go.

EXAMPLES:
  ledgerd serve --env ./ledger.env
  ledgerd balance --seed WHGSS --owner DGT --warehouse WH-1
  ledgerd pools --seed WHGSS --owner DGT --warehouse WH-1 --format json

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
