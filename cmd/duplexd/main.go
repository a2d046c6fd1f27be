// Command duplexd runs the duplex WebSocket server: session cookies,
// the auth gate, the /ws and /bunchy endpoints, and the /metrics and
// dev-context diagnostics surfaces.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "duplexd",
		Short:        "Bidirectional WebSocket application server",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the duplexd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("duplexd %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
