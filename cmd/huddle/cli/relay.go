package cli

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/transport"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a gossip rendezvous relay for huddle nodes",
	Long: `The relay fans frames out between nodes that cannot reach each
other directly. It sees topics, never content: frames stay signed and
policy-checked end to end.`,
	Run: func(cmd *cobra.Command, args []string) {
		obs := observe.New(os.Stderr, observe.Options{Verbose: verbose})
		defer obs.Close()

		obs.Log().Info().Str("addr", relayAddr).Msg("relay listening")
		if err := http.ListenAndServe(relayAddr, transport.NewRelayServer()); err != nil {
			obs.Log().Fatal().Err(err).Msg("relay failed")
		}
	},
}

func init() {
	RootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8378", "Listen address")
}
