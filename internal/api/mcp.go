package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"floe/internal/curation"
	"floe/internal/storage"
)

// NewMCPServer creates an MCP server exposing the sync pipeline and curation
// document to agent clients over stdio.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"floe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("floe — personal music curation: syncs listening history into auto-curated playlists."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_sync",
			mcp.WithDescription("Run a sync now: fetch new listening history, classify it, and file tracks into playlists. Returns the run summary."),
			mcp.WithString("lookback", mcp.Description("Optional history window override, e.g. \"24h\" or \"168h\" as a Go duration")),
		),
		mcpRunSync(deps),
	)

	s.AddTool(
		mcp.NewTool("latest_run",
			mcp.WithDescription("Return the summary of the most recent sync run."),
		),
		mcpLatestRun(deps),
	)

	s.AddTool(
		mcp.NewTool("list_playlists",
			mcp.WithDescription("List the configured playlists with their vibe descriptions."),
		),
		mcpListPlaylists(deps),
	)

	s.AddTool(
		mcp.NewTool("add_playlist",
			mcp.WithDescription("Add a new auto-curated playlist category."),
			mcp.WithString("name", mcp.Description("Playlist name"), mcp.Required()),
			mcp.WithString("emoji", mcp.Description("Optional emoji shown before the name on the music service")),
			mcp.WithString("description", mcp.Description("The vibe: what belongs in this playlist"), mcp.Required()),
		),
		mcpAddPlaylist(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"floe://config",
			"Curation Config",
			mcp.WithResourceDescription("Current playlists, schedule, and sync settings as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConfig(deps),
	)

	return s
}

func mcpRunSync(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Engine == nil {
			return mcpError("sync is not configured: missing music service credentials"), nil
		}

		var lookback time.Duration
		if raw := req.GetString("lookback", ""); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return mcpError(fmt.Sprintf("invalid lookback %q", raw)), nil
			}
			lookback = d
		}

		summary, err := deps.Engine.Run(ctx, lookback)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}

		b, err := json.Marshal(summary)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLatestRun(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		latest, err := deps.Store.LatestRun()
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText("no runs recorded yet"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading run history: %v", err)), nil
		}

		b, err := json.Marshal(latest)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListPlaylists(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cfg, err := deps.Curation.Load()
		if err != nil {
			return mcpError(fmt.Sprintf("loading config: %v", err)), nil
		}
		if len(cfg.Playlists) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(cfg.Playlists)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal playlists: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddPlaylist(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcpError("description is required"), nil
		}
		emoji := req.GetString("emoji", "")

		playlist := curation.Playlist{Name: name, Emoji: emoji, Description: description}
		if deps.Placer != nil {
			id, err := deps.Placer.EnsurePlaylist(ctx, playlist.DisplayName(), description, "")
			if err != nil {
				return mcpError(fmt.Sprintf("creating playlist on music service: %v", err)), nil
			}
			playlist.RemoteID = id
		}

		if _, err := deps.Curation.Update(func(c *curation.Config) error {
			c.Playlists = append(c.Playlists, playlist)
			return nil
		}); err != nil {
			return mcpError(fmt.Sprintf("saving playlist: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Added playlist %q", playlist.DisplayName())), nil
	}
}

func mcpResourceConfig(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cfg, err := deps.Curation.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		b, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling config: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
