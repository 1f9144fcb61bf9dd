package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/providers"
	"github.com/jonathan/codee/internal/server"
	"github.com/jonathan/codee/internal/server/middleware"
	"github.com/jonathan/codee/internal/server/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server",
	Long:  `Start an HTTP server that accepts jobs and streams their events over Server-Sent Events.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	w, err := newWorker(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	tokens, keys, err := authenticators(cfg)
	if err != nil {
		return err
	}

	hosted := make(map[providers.Kind]providers.Provider)
	for _, kind := range []providers.Kind{providers.KindCursor, providers.KindJules} {
		p, err := providers.New(kind, providers.Deps{Keys: w.records})
		if err != nil {
			return fmt.Errorf("failed to create %s provider: %w", kind, err)
		}
		hosted[kind] = p
	}

	srv, err := server.New(server.Config{
		Port:      cfg.Port,
		RateLimit: ratelimit.LoadConfig(),
	}, server.Deps{
		Jobs:      w.orch,
		Events:    w.events,
		Messages:  w.records,
		Providers: hosted,
		Tokens:    tokens,
		Keys:      keys,
		Drain:     w.orch.Shutdown,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start()
}

// authenticators builds the inbound credential checks. Either may be nil.
func authenticators(cfg *config.Config) (middleware.TokenValidator, middleware.KeyVerifier, error) {
	var (
		tokens middleware.TokenValidator
		keys   middleware.KeyVerifier
	)
	if cfg.JWTSecret != "" {
		jwtCfg, err := cfg.JWT()
		if err != nil {
			return nil, nil, err
		}
		tokens = server.NewJWTService(jwtCfg).AsTokenValidator()
	}
	if len(cfg.APIKeyHashes) > 0 {
		keyCfg, err := cfg.NewAPIKeyConfig()
		if err != nil {
			return nil, nil, err
		}
		keys = keyCfg
	}
	if tokens == nil && keys == nil {
		log.Printf("[serve] neither JWT_SECRET nor API_KEY_HASHES is set")
	}
	return tokens, keys, nil
}
