// Package main is the entry point for the ledger-sync CLI.
package main

import (
	"os"

	"github.com/shunichi-ikebuchi/ledger-sync/cmd/ledger-sync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
