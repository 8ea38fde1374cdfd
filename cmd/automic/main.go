// ============================================================================
// AUTOMIC - Entry Point
// ============================================================================
//
// Builds the command tree and executes it. All behaviour lives in
// internal/cli.
//
//   go run ./cmd/automic serve
//   go run ./cmd/automic console
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/automic/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
