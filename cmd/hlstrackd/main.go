// Package main is the entry point for hlstrackd, a demo command that
// tracks one HLS playlist session and logs every primary refresh. It
// does not serve the tracked media anywhere; see cmd/hlstrackd/cmd for
// its one subcommand.
package main

import (
	"os"

	"github.com/jmylchreest/hlstrack/cmd/hlstrackd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
