package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"floe/internal/api"
	"floe/internal/config"
	"floe/internal/curation"
	"floe/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP interface over stdio",
	Long: `Serve the MCP interface over stdio.

Lets agent clients trigger syncs, inspect runs, and manage playlists.
Register with a client config such as:

  {"mcpServers": {"floe": {"command": "floe", "args": ["mcp"]}}}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; keep logs on stderr only.
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	curStore := curation.NewStore(cfg.Storage.CurationFile)

	engine, placer, err := buildEngine(ctx, cfg, store, curStore)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Store:    store,
		Curation: curStore,
		Placer:   placer,
		Logger:   slog.Default(),
	}
	if engine != nil {
		deps.Engine = engine
	}

	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
