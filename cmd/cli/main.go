package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

var (
	serverURL   string
	configPath  string
	noAutoStart bool
	jsonOutput  bool
	out         io.Writer = os.Stdout

	rootCmd = &cobra.Command{
		Use:   "chora",
		Short: "Chora CLI - library sync and offline downloads",
		Long:  `A command-line interface for syncing a remote music library and managing offline downloads.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noAutoStart {
				return
			}
			if err := ensureServerRunning(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file passed to an auto-started server")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Print raw JSON")

	syncCmd.AddCommand(syncStatusCmd, syncNowCmd, syncForceCmd, syncPauseCmd, syncResumeCmd, syncCancelCmd)
	downloadsCmd.AddCommand(dlListCmd, dlAddCmd, dlGetCmd, dlPauseCmd, dlResumeCmd, dlCancelCmd,
		dlRetryCmd, dlDeleteCmd, dlClearCmd, dlStatsCmd)
	rootCmd.AddCommand(syncCmd, downloadsCmd, playCmd, logsCmd)

	dlListCmd.Flags().StringP("group", "g", "", "Only show one group (active, completed, failed)")
	dlAddCmd.Flags().StringP("title", "t", "", "Track title shown in the queue")
	dlAddCmd.Flags().StringP("artist", "a", "", "Artist shown in the queue")
	playCmd.Flags().Bool("record", true, "Record the play in the local statistics")
	logsCmd.Flags().StringP("search", "s", "", "Only entries containing this text")
	logsCmd.Flags().StringP("date", "d", "", "Day to read (YYYY-MM-DD, default today)")
	logsCmd.Flags().IntP("limit", "n", 50, "Number of entries")
}

func client() *apiClient {
	return newAPIClient(serverURL)
}

// printJSON writes v indented when --json is set and reports whether it did
func printJSON(v interface{}) bool {
	if !jsonOutput {
		return false
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(out, string(data))
	return true
}

// message posts to path and prints the server's confirmation
func message(path string) error {
	var resp struct {
		Message string `json:"message"`
	}
	if err := client().post(path, nil, &resp); err != nil {
		return err
	}
	if !printJSON(resp) {
		fmt.Fprintln(out, resp.Message)
	}
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Control library synchronization",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and per-type progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			State      domain.SyncState       `json:"state"`
			Running    bool                   `json:"running"`
			LastResult domain.ReconcileResult `json:"last_result"`
			Cursors    []domain.SyncCursor    `json:"cursors"`
		}
		if err := client().get("/api/v1/sync", &status); err != nil {
			return err
		}
		if printJSON(status) {
			return nil
		}

		fmt.Fprintf(out, "Sync: %s\n", status.State.DisplayText)
		if status.State.Error != "" {
			fmt.Fprintf(out, "Error: %s\n", status.State.Error)
		}
		r := status.LastResult
		fmt.Fprintf(out, "Last run: %d inserted, %d updated, %d removed, %d restored, %d purged\n\n",
			r.Inserted, r.Updated, r.Tombstoned, r.Restored, r.Purged)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tSTATE\tPROCESSED\tTOTAL\tLAST SYNCED")
		for _, c := range status.Cursors {
			last := "never"
			if c.LastSyncedAt != nil {
				last = humanize.Time(*c.LastSyncedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.EntityType, c.PhaseState,
				humanize.Comma(int64(c.Processed)), humanize.Comma(int64(c.Total)), last)
		}
		return w.Flush()
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Start an incremental sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Started bool             `json:"started"`
			State   domain.SyncState `json:"state"`
		}
		if err := client().post("/api/v1/sync/now", nil, &resp); err != nil {
			return err
		}
		if printJSON(resp) {
			return nil
		}
		if resp.Started {
			fmt.Fprintln(out, "Sync started")
		} else {
			fmt.Fprintf(out, "Sync already running: %s\n", resp.State.DisplayText)
		}
		return nil
	},
}

var syncForceCmd = &cobra.Command{
	Use:   "force",
	Short: "Discard sync progress and walk the whole library again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return message("/api/v1/sync/force")
	},
}

var syncPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running sync after its current page",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return message("/api/v1/sync/pause")
	},
}

var syncResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return message("/api/v1/sync/resume")
	},
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the running or paused sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return message("/api/v1/sync/cancel")
	},
}

var downloadsCmd = &cobra.Command{
	Use:     "downloads",
	Aliases: []string{"dl"},
	Short:   "Manage offline downloads",
}

var dlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads grouped by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var lists domain.DownloadLists
		if err := client().get("/api/v1/downloads", &lists); err != nil {
			return err
		}

		group, _ := cmd.Flags().GetString("group")
		sections := []struct {
			name string
			jobs []*domain.DownloadJob
		}{
			{"active", lists.Active},
			{"completed", lists.Completed},
			{"failed", lists.Failed},
		}
		if group != "" {
			found := false
			for _, s := range sections {
				if s.name == group {
					sections = append(sections[:0], s)
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("unknown group %q", group)
			}
		}
		if printJSON(sections) {
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRACK\tSTATUS\tPROGRESS\tSIZE\tUPDATED")
		for _, s := range sections {
			for _, j := range s.jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					truncate(j.ID, 8),
					truncate(trackName(j), 40),
					statusLabel(j),
					fmt.Sprintf("%.0f%%", j.Progress*100),
					sizeLabel(j),
					humanize.Time(j.UpdatedAt))
			}
		}
		return w.Flush()
	},
}

var dlAddCmd = &cobra.Command{
	Use:   "add [media-id...]",
	Short: "Queue tracks for offline use",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		artist, _ := cmd.Flags().GetString("artist")

		items := make([]domain.DownloadRequest, 0, len(args))
		for _, id := range args {
			items = append(items, domain.DownloadRequest{MediaID: id, Title: title, Artist: artist})
		}

		var resp struct {
			Queued []domain.DownloadJob `json:"queued"`
		}
		if err := client().post("/api/v1/downloads", map[string]interface{}{"items": items}, &resp); err != nil {
			return err
		}
		if printJSON(resp) {
			return nil
		}

		fmt.Fprintf(out, "Queued %d of %d tracks\n", len(resp.Queued), len(args))
		for _, j := range resp.Queued {
			fmt.Fprintf(out, "  %s  %s\n", j.ID, j.MediaID)
		}
		return nil
	},
}

var dlGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show download details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job domain.DownloadJob
		if err := client().get("/api/v1/downloads/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		if printJSON(job) {
			return nil
		}

		fmt.Fprintf(out, "Download Details:\n")
		fmt.Fprintf(out, "  ID:       %s\n", job.ID)
		fmt.Fprintf(out, "  Media:    %s\n", job.MediaID)
		fmt.Fprintf(out, "  Track:    %s\n", trackName(&job))
		fmt.Fprintf(out, "  Status:   %s\n", statusLabel(&job))
		fmt.Fprintf(out, "  Progress: %.1f%% (%s)\n", job.Progress*100, sizeLabel(&job))
		fmt.Fprintf(out, "  Retries:  %d\n", job.RetryCount)
		fmt.Fprintf(out, "  Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.FilePath != "" {
			fmt.Fprintf(out, "  File:     %s\n", job.FilePath)
		}
		if job.FailureReason != "" {
			fmt.Fprintf(out, "  Failure:  %s (%s, retryable=%t)\n", job.FailureReason, job.FailureKind, job.Retryable)
		}
		return nil
	},
}

func jobAction(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return message("/api/v1/downloads/" + url.PathEscape(args[0]) + "/" + action)
		},
	}
}

var (
	dlPauseCmd  = jobAction("pause", "Pause a download", "pause")
	dlResumeCmd = jobAction("resume", "Resume a paused download", "resume")
	dlCancelCmd = jobAction("cancel", "Cancel a download and discard its partial file", "cancel")
	dlRetryCmd  = jobAction("retry", "Retry a failed download", "retry")
)

var dlDeleteCmd = &cobra.Command{
	Use:   "delete [id] [media-id]",
	Short: "Delete a completed download and its cached file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/downloads/" + url.PathEscape(args[0]) + "?media_id=" + url.QueryEscape(args[1])
		var resp struct {
			Message string `json:"message"`
		}
		if err := client().do("DELETE", path, nil, &resp); err != nil {
			return err
		}
		if !printJSON(resp) {
			fmt.Fprintln(out, resp.Message)
		}
		return nil
	},
}

var dlClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed downloads from the list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Cleared int `json:"cleared"`
		}
		if err := client().post("/api/v1/downloads/clear-completed", nil, &resp); err != nil {
			return err
		}
		if !printJSON(resp) {
			fmt.Fprintf(out, "Cleared %d completed downloads\n", resp.Cleared)
		}
		return nil
	},
}

var dlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats domain.DownloadStats
		if err := client().get("/api/v1/downloads/stats", &stats); err != nil {
			return err
		}
		if printJSON(stats) {
			return nil
		}

		fmt.Fprintln(out, "Download Statistics:")
		fmt.Fprintf(out, "  Total:       %d\n", stats.Total)
		fmt.Fprintf(out, "  Queued:      %d\n", stats.Queued)
		fmt.Fprintf(out, "  Downloading: %d\n", stats.Downloading)
		fmt.Fprintf(out, "  Paused:      %d\n", stats.Paused)
		fmt.Fprintf(out, "  Completed:   %d\n", stats.Completed)
		fmt.Fprintf(out, "  Failed:      %d\n", stats.Failed)
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play [media-id]",
	Short: "Resolve where a track plays from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, _ := cmd.Flags().GetBool("record")

		var playback domain.Playback
		var err error
		path := "/api/v1/playback/" + url.PathEscape(args[0])
		if record {
			err = client().post(path+"/play", nil, &playback)
		} else {
			err = client().get(path, &playback)
		}
		if err != nil {
			return err
		}
		if printJSON(playback) {
			return nil
		}

		if playback.IsLocal() {
			fmt.Fprintf(out, "local  %s\n", playback.Path)
		} else {
			fmt.Fprintf(out, "stream %s\n", playback.URL)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [category]",
	Short: "View queue, sync or error logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		date, _ := cmd.Flags().GetString("date")
		limit, _ := cmd.Flags().GetInt("limit")

		query := url.Values{}
		query.Set("limit", fmt.Sprint(limit))
		if date != "" {
			query.Set("date", date)
		}
		path := "/api/v1/logs/" + url.PathEscape(args[0])
		if search != "" {
			path += "/search"
			query.Set("q", search)
		}

		var resp struct {
			Entries []struct {
				Timestamp string                 `json:"timestamp"`
				Level     string                 `json:"level"`
				Message   string                 `json:"message"`
				Fields    map[string]interface{} `json:"fields"`
			} `json:"entries"`
		}
		if err := client().get(path+"?"+query.Encode(), &resp); err != nil {
			return err
		}
		if printJSON(resp) {
			return nil
		}

		for _, e := range resp.Entries {
			fields := ""
			if len(e.Fields) > 0 {
				data, _ := json.Marshal(e.Fields)
				fields = " " + string(data)
			}
			fmt.Fprintf(out, "%s %-5s %s%s\n", e.Timestamp, e.Level, e.Message, fields)
		}
		return nil
	},
}

func trackName(j *domain.DownloadJob) string {
	switch {
	case j.Title != "" && j.Artist != "":
		return j.Artist + " - " + j.Title
	case j.Title != "":
		return j.Title
	default:
		return j.MediaID
	}
}

func statusLabel(j *domain.DownloadJob) string {
	if j.Status == domain.StatusPaused && j.PauseReason != domain.PauseNone {
		return fmt.Sprintf("%s (%s)", j.Status, j.PauseReason)
	}
	return string(j.Status)
}

func sizeLabel(j *domain.DownloadJob) string {
	if j.TotalBytes <= 0 {
		return humanize.Bytes(uint64(j.DownloadedBytes))
	}
	return humanize.Bytes(uint64(j.DownloadedBytes)) + " / " + humanize.Bytes(uint64(j.TotalBytes))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
