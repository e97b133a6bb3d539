// Package cli wires the huddle commands: serve (the sidecar), relay
// (a gossip rendezvous relay) and identity (print the local signer
// label).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose  bool
	dataDir  string
	relayURL string
)

// RootCmd represents the base command when called without any
// subcommands.
var RootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Peer-to-peer agent-assistant sidecar",
	Long: `Huddle forms a mesh of equal nodes sharing named rooms. Inside a
room, peers replicate memories, publish signed skills, answer each
other's searches and execute delegated tasks. No central server, no
global directory; each node keeps working offline.`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default from HUDDLE_DATA_DIR)")
	RootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "Gossip relay URL (default from HUDDLE_RELAY)")
}
