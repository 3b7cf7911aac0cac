// Package main provides the entry point for the stratum binary.
package main

import (
	"os"

	"github.com/regression-io/stratum/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
