package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/endpoint"
	"github.com/PolycarpusTack/papin/internal/local"
)

func newServeCmd() *cobra.Command {
	var (
		listen      string
		responder   string
		tokenHashes []string
		noAcks      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote endpoint",
		Long: `Run a WebSocket endpoint that speaks the session protocol. It answers with
an echo responder or forwards to the local Ollama server. Token hashes in
serve.token_hashes are reloaded when the config file changes; with none
configured any non-empty token is accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Close()
			log := logger.Component("serve")

			if cmd.Flags().Changed("listen") {
				cfg.Serve.ListenAddr = listen
			}
			if cmd.Flags().Changed("responder") {
				cfg.Serve.Responder = responder
			}
			if cmd.Flags().Changed("token-hash") {
				cfg.Serve.TokenHashes = tokenHashes
			}

			resp, err := newResponder(cfg, logger.Component("responder"))
			if err != nil {
				return err
			}

			srvCfg := endpoint.DefaultConfig()
			srvCfg.MaxMessageSize = cfg.Remote.MaxMessageSize
			srv := endpoint.NewServer(verifierFor(cfg, log), resp, srvCfg, logger.Zerolog())
			srv.SetHeartbeatAcks(!noAcks)

			if !cmd.Flags().Changed("token-hash") {
				watcher, err := config.Watch(configPath, func(next *config.Config, err error) {
					if err != nil {
						log.Warn().Err(err).Msg("config reload failed")
						return
					}
					srv.SetVerifier(verifierFor(next, log))
					log.Info().Int("tokens", len(next.Serve.TokenHashes)).Msg("token hashes reloaded")
				}, log)
				if err != nil {
					log.Warn().Err(err).Msg("config watch unavailable")
				} else {
					defer watcher.Close()
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println(titleStyle.Render("papin endpoint") + " " +
				successStyle.Render("ws://"+cfg.Serve.ListenAddr+endpoint.SessionPath) + " " +
				dimStyle.Render("("+cfg.Serve.Responder+")"))

			return srv.ListenAndServe(ctx, cfg.Serve.ListenAddr)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config)")
	cmd.Flags().StringVarP(&responder, "responder", "r", "", "Responder: echo or ollama (default from config)")
	cmd.Flags().StringSliceVar(&tokenHashes, "token-hash", nil, "Accepted bcrypt token hash (repeatable)")
	cmd.Flags().BoolVar(&noAcks, "no-heartbeat-acks", false, "Stop acknowledging heartbeats")
	return cmd
}

func newResponder(cfg *config.Config, logger zerolog.Logger) (endpoint.Responder, error) {
	switch cfg.Serve.Responder {
	case "", "echo":
		return endpoint.Echo{Delay: cfg.Serve.EchoDelay}, nil
	case "ollama":
		backend := local.NewOllama(cfg.Local.Endpoint, logger, local.WithTimeouts(cfg.LocalTimeouts()))
		return endpoint.BackendResponder{Backend: backend, DefaultModel: cfg.Local.DefaultModel}, nil
	default:
		return nil, fmt.Errorf("unknown responder %q (want echo or ollama)", cfg.Serve.Responder)
	}
}

func verifierFor(cfg *config.Config, log zerolog.Logger) endpoint.Verifier {
	if len(cfg.Serve.TokenHashes) == 0 {
		log.Warn().Msg("no token hashes configured, accepting any token")
		return endpoint.AllowAll
	}
	return endpoint.NewTokenVerifier(cfg.Serve.TokenHashes...)
}
