// Command spotidown serves the conversion API and offers local one-shot
// tools around the same engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cmdRoot = &cobra.Command{
	Use:          "spotidown",
	Short:        "Turn catalog links into tagged audio files and archives",
	SilenceUsage: true,
	Version:      version,
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
