package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"floe/internal/config"
	"floe/internal/curation"
	"floe/internal/music"
	"floe/internal/storage"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a sync run on the running server",
	Long: `Trigger a sync run on the running server.

Examples:
  floe sync
  floe sync --lookback 72h --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lookback, _ := cmd.Flags().GetString("lookback")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		body := map[string]any{}
		if lookback != "" {
			if _, err := time.ParseDuration(lookback); err != nil {
				return fmt.Errorf("invalid lookback %q: %w", lookback, err)
			}
			body["lookback"] = lookback
		}

		resp, err := client.post(ctx, "/api/sync", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printStep("Sync started")

		if !wait {
			return nil
		}
		return waitForSync(ctx, client)
	},
}

func waitForSync(ctx context.Context, client *apiClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		resp, err := client.get(ctx, "/api/sync/status")
		if err != nil {
			return err
		}
		var status struct {
			Running   bool                `json:"running"`
			LatestRun *storage.RunSummary `json:"latest_run"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		if status.Running {
			continue
		}

		if status.LatestRun == nil {
			printWarning("sync finished but no run was recorded")
			return nil
		}
		printRunSummary(*status.LatestRun)
		return nil
	}
}

func printRunSummary(run storage.RunSummary) {
	switch run.Status {
	case "completed":
		printSuccess("Run %s completed", run.ID)
	case "completed_with_errors":
		printWarning("Run %s completed with %d errors", run.ID, len(run.Errors))
	default:
		printError("Run %s failed", run.ID)
	}
	printStatus("Tracks seen", "%d", run.TracksSeen)
	printStatus("Newly classified", "%d", run.NewlyClassified)
	printStatus("Cache hits", "%d", run.CacheHits)
	for key, n := range run.Placements {
		printStatus("  "+key, "%d added", n)
	}
	for _, e := range run.Errors {
		if e.TrackID != "" {
			printError("%s %s: %s", e.Stage, e.TrackID, e.Message)
		} else {
			printError("%s: %s", e.Stage, e.Message)
		}
	}
}

func init() {
	syncCmd.Flags().String("lookback", "", "history window override (e.g. 72h); default resumes from the watermark")
	syncCmd.Flags().Bool("wait", false, "wait for the run to finish and print its summary")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var result struct {
			Runs []storage.RunSummary `json:"runs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Runs) == 0 {
			printWarning("no runs recorded yet")
			return nil
		}
		for _, run := range result.Runs {
			fmt.Printf("%s  %-22s  seen %-3d  new %-3d  placed %-3d  errors %d\n",
				run.StartedAt.Local().Format("2006-01-02 15:04"),
				run.Status,
				run.TracksSeen,
				run.NewlyClassified,
				run.TotalPlaced(),
				len(run.Errors),
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 10, "number of runs to show")
}

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the one-time Spotify authorization flow",
	Long: `Run the one-time Spotify authorization flow.

Opens a browser to log in, then prints the refresh token. Store it as
SPOTIFY_REFRESH_TOKEN in the environment or config/.env.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Spotify.ClientID == "" || cfg.Spotify.ClientSecret == "" {
			return fmt.Errorf("set SPOTIFY_ID and SPOTIFY_SECRET first (from your Spotify developer application)")
		}

		token, err := music.Authorize(cmd.Context(), cfg.Spotify.ClientID, cfg.Spotify.ClientSecret)
		if err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		printSuccess("Authorized")
		fmt.Println("\nAdd this to your environment or config/.env:")
		fmt.Printf("\nSPOTIFY_REFRESH_TOKEN=%s\n", token)
		return nil
	},
}

// --- playlist ---

var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Manage auto-curated playlists",
}

var playlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured playlists",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/config")
		if err != nil {
			return err
		}
		var cfg curation.Config
		if err := decodeJSON(resp, &cfg); err != nil {
			return err
		}

		if len(cfg.Playlists) == 0 {
			printWarning("no playlists configured — add one with `floe playlist add`")
			return nil
		}
		for _, p := range cfg.Playlists {
			synced := ""
			if p.RemoteID != "" {
				synced = colorize(colorGreen, " [synced]")
			}
			fmt.Printf("%-20s %s%s\n    %s\n", p.Key, p.DisplayName(), synced, p.Description)
		}
		return nil
	},
}

var playlistAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a playlist category",
	Long: `Add a playlist category.

Examples:
  floe playlist add "Gym" --emoji 🏋️ --description "high-energy workout tracks"
  floe playlist add "Rainy Days" --description "slow, melancholy, contemplative"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		emoji, _ := cmd.Flags().GetString("emoji")
		description, _ := cmd.Flags().GetString("description")
		if description == "" {
			return fmt.Errorf("--description is required: it tells the classifier what belongs here")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/playlists", map[string]string{
			"name":        args[0],
			"emoji":       emoji,
			"description": description,
		})
		if err != nil {
			return err
		}
		var created curation.Playlist
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Added playlist %s (key %s)", created.DisplayName(), created.Key)
		if created.RemoteID != "" {
			printStatus("Remote", "created on music service (%s)", created.RemoteID)
		}
		return nil
	},
}

func init() {
	playlistAddCmd.Flags().String("emoji", "", "emoji shown before the playlist name")
	playlistAddCmd.Flags().String("description", "", "the vibe: what belongs in this playlist")
	playlistCmd.AddCommand(playlistListCmd)
	playlistCmd.AddCommand(playlistAddCmd)
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the weekly schedule",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Add a recurring schedule entry",
	Long: `Add a recurring schedule entry.

Examples:
  floe schedule add gym --days mon,wed,fri --from 18:00 --to 19:30
  floe schedule add work --days mon,tue,wed,thu,fri --from 09:00 --to 17:00`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetStringSlice("days")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		if len(days) == 0 || from == "" || to == "" {
			return fmt.Errorf("--days, --from, and --to are all required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/schedule", map[string]any{
			"label":   args[0],
			"days":    days,
			"windows": []map[string]string{{"start": from, "end": to}},
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Added schedule entry %q", args[0])
		return nil
	},
}

var scheduleLogCmd = &cobra.Command{
	Use:   "log <label>",
	Short: "Log a one-off activity that overrides the recurring schedule",
	Long: `Log a one-off activity that overrides the recurring schedule.

Examples:
  floe schedule log studying --from 18:00 --to 20:00
  floe schedule log dentist --date 2026-09-02 --from 10:00 --to 11:00 --note "root canal"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		note, _ := cmd.Flags().GetString("note")
		if from == "" || to == "" {
			return fmt.Errorf("--from and --to are required")
		}
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/log", map[string]string{
			"label": args[0],
			"date":  date,
			"start": from,
			"end":   to,
			"note":  note,
		})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Logged %q on %s, %s-%s", args[0], date, from, to)
		return nil
	},
}

func init() {
	scheduleAddCmd.Flags().StringSlice("days", nil, "days of week (mon..sun)")
	scheduleAddCmd.Flags().String("from", "", "window start (24h clock, e.g. 18:00)")
	scheduleAddCmd.Flags().String("to", "", "window end (24h clock, e.g. 19:30)")
	scheduleLogCmd.Flags().String("date", "", "date of the activity (2006-01-02, default today)")
	scheduleLogCmd.Flags().String("from", "", "activity start (24h clock)")
	scheduleLogCmd.Flags().String("to", "", "activity end (24h clock)")
	scheduleLogCmd.Flags().String("note", "", "optional note stored with the entry")
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleLogCmd)
}
