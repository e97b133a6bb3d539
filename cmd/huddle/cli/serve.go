package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/huddle/internal/config"
	"github.com/felixgeelhaar/huddle/internal/identity"
	"github.com/felixgeelhaar/huddle/internal/observe"
	"github.com/felixgeelhaar/huddle/internal/room"
	"github.com/felixgeelhaar/huddle/internal/server"
	"github.com/felixgeelhaar/huddle/internal/store"
	"github.com/felixgeelhaar/huddle/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sidecar and expose the tool surface",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		// The observer needs the config, so this one error goes to
		// stderr directly.
		os.Stderr.WriteString("huddle: " + err.Error() + "\n")
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	if verbose {
		cfg.Verbose = true
	}

	// Logs go to stderr: stdout belongs to the stdio tool protocol.
	obs := observe.New(os.Stderr, observe.Options{
		JSON:    cfg.Transport == "stdio",
		Verbose: cfg.Verbose,
	})
	defer obs.Close()

	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "huddle.db"))
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init store")
	}

	signer, err := identity.New(cfg.SignerConfig())
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init signer")
	}

	seed, err := room.EndpointSeed(st)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to load endpoint seed")
	}
	nodeID := transport.DeriveNodeID(seed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tr transport.Transport
	if cfg.RelayURL != "" {
		tr, err = transport.DialRelay(ctx, cfg.RelayURL, nodeID)
		if err != nil {
			obs.Log().Fatal().Err(err).Str("relay", cfg.RelayURL).Msg("Failed to dial relay")
		}
	} else {
		// Standalone: a private hub. Rooms still work, peers arrive
		// when a relay is configured.
		obs.Log().Warn().Msg("no relay configured, running standalone")
		tr = transport.NewHub().Endpoint(nodeID)
	}

	node := room.NewNode(cfg.User, cfg.Agent, tr, st, signer, obs)
	defer node.Close()

	if cfg.Verbose {
		node.Events().Watch(func(e room.Event) {
			obs.Log().Debug().Str("event", string(e.Type)).Str("room", e.Room).Msg("coordinator event")
		})
	}

	obs.Log().Info().
		Str("user", cfg.User).
		Str("agent", cfg.Agent).
		Str("identity", signer.Identity()).
		Str("node_id", nodeID).
		Msg("huddle node ready")

	srv := server.New(node, obs)
	switch cfg.Transport {
	case "http":
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}
		go func() {
			<-ctx.Done()
			_ = httpServer.Close()
		}()
		obs.Log().Info().Str("addr", cfg.HTTPAddr).Msg("serving tool surface over http")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Log().Fatal().Err(err).Msg("http server failed")
		}
	default:
		if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			obs.Log().Fatal().Err(err).Msg("stdio server failed")
		}
	}
}
