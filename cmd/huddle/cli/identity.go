package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/huddle/internal/config"
	"github.com/felixgeelhaar/huddle/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the local signer identity label",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Failed to load config: %v\n", err)
			os.Exit(1)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		signer, err := identity.New(cfg.SignerConfig())
		if err != nil {
			fmt.Printf("Failed to init signer: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(signer.Identity())
	},
}

func init() {
	RootCmd.AddCommand(identityCmd)
}
