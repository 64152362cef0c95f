// Package main provides the ledger CLI.
package main

import "github.com/mesh-intelligence/ledger/internal/cli"

func main() {
	cli.Execute()
}
