package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HendryAvila/datacommons-mcp/internal/config"
	"github.com/HendryAvila/datacommons-mcp/internal/datacommons"
	dcserver "github.com/HendryAvila/datacommons-mcp/internal/server"
	"github.com/HendryAvila/datacommons-mcp/internal/updater"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	skipAPIKeyValidation bool
	host                 string
	port                 int
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Data Commons MCP server",
		Long: `datacommons-mcp exposes Data Commons to MCP clients through two tools:
search_indicators finds statistical variables and topics for a query, and
get_observations fetches their values for places.

Configuration is read from DC_* environment variables (DC_API_KEY, DC_TYPE,
CUSTOM_DC_URL, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
	}
	cmd.PersistentFlags().BoolVar(&opts.skipAPIKeyValidation, "skip-api-key-validation", false,
		"do not check DC_API_KEY against the API at startup")

	stdio := &cobra.Command{
		Use:   "stdio",
		Short: "Serve over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, func(ctx context.Context, s *server.MCPServer) error {
				return server.ServeStdio(s)
			})
		},
	}

	http := &cobra.Command{
		Use:   "http",
		Short: "Serve streamable HTTP on /mcp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.port < 1 || opts.port > 65535 {
				return fmt.Errorf("--port must be between 1 and 65535, got %d", opts.port)
			}
			return run(cmd.Context(), opts, func(ctx context.Context, s *server.MCPServer) error {
				return dcserver.ServeHTTP(ctx, s, opts.host, opts.port)
			})
		},
	}
	http.Flags().StringVar(&opts.host, "host", "localhost", "interface to listen on")
	http.Flags().IntVar(&opts.port, "port", 8080, "port to listen on")

	cmd.AddCommand(stdio, http)
	return cmd
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", serviceName, dcserver.Version)
			if !check {
				return nil
			}
			res, err := updater.Check(cmd.Context(), dcserver.Version)
			if err != nil {
				return err
			}
			if res.UpdateAvailable {
				fmt.Fprintf(cmd.OutOrStdout(), "update available: v%s (%s)\n", res.LatestVersion, res.ReleaseURL)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	return cmd
}

// run loads the config, builds the server and hands it to serve until
// an interrupt arrives.
func run(parent context.Context, opts *serveOptions, serve func(context.Context, *server.MCPServer) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dcserver.LogConfig(ctx, cfg)

	if err := validateKey(ctx, cfg, opts.skipAPIKeyValidation); err != nil {
		return err
	}

	s, cleanup, err := dcserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	go updater.Notify(ctx, dcserver.Version)

	if err := serve(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func validateKey(ctx context.Context, cfg *config.Config, skip bool) error {
	switch {
	case skip:
		log.Info(ctx, "skipping API key validation")
		return nil
	case cfg.APIKey == "":
		// Only a custom instance runs without a key.
		return nil
	}
	if err := datacommons.ValidateAPIKey(ctx, cfg.APIRoot, cfg.APIKey); err != nil {
		return fmt.Errorf("validating DC_API_KEY: %w", err)
	}
	log.Info(ctx, "API key validated")
	return nil
}
