package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/schoolab/ecole/internal/cloud"
	"github.com/schoolab/ecole/internal/db"
	ecolesync "github.com/schoolab/ecole/internal/sync"
	"github.com/schoolab/ecole/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize the local database with the cloud",
	Long: `Synchronize the local database with the school's cloud account.

A cycle pulls the authoritative state, applies it without overwriting local
edits, pushes every local change and deletion, and records the server ids
the cloud acknowledges.`,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle now",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store := openStore(ctx)
		defer store.Close()

		orch, _ := newOrchestrator(store, func(from, to ecolesync.State) {
			if verbose && to.Busy() {
				fmt.Printf("%s %s...\n", ui.RenderMuted("→"), to)
			}
		})

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Cloud.URL)
		result, err := orch.Run(ctx)
		if err != nil {
			var remote *cloud.RemoteError
			switch {
			case errors.Is(err, ecolesync.ErrNotLinked):
				fmt.Fprintf(os.Stderr, "%s This device is not linked to a school\n", ui.RenderWarn("⚠"))
				fmt.Fprintf(os.Stderr, "   Run 'ecole link' first\n")
			case errors.Is(err, cloud.ErrNetwork):
				fmt.Fprintf(os.Stderr, "%s Cloud unreachable: %v\n", ui.RenderWarn("⚠"), err)
				fmt.Fprintf(os.Stderr, "   Local changes are kept and will be sent on the next cycle\n")
			case errors.As(err, &remote):
				fmt.Fprintf(os.Stderr, "%s Cloud rejected the sync: %s\n", ui.RenderFail("✗"), remote.Error())
			default:
				fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), result.Duration.Round(time.Millisecond))
		fmt.Print(ui.KeyValues([][2]string{
			{"   Pulled", fmt.Sprintf("%d (%d applied, %d kept local, %d skipped)", result.Pulled, result.Applied, result.Kept, result.Skipped)},
			{"   Deleted", strconv.Itoa(result.Deleted)},
			{"   Pushed", fmt.Sprintf("%d rows, %d deletions", result.Pushed, result.DeletionsPushed)},
			{"   Acknowledged", strconv.Itoa(result.Acknowledged)},
		}))
		if result.Changed > 0 {
			fmt.Printf("%s %d rows changed during the cycle and stay queued\n", ui.RenderWarn("⚠"), result.Changed)
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is waiting to be synchronized",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		store := openStore(ctx)
		defer store.Close()

		orch, creds := newOrchestrator(store, nil)
		status, err := orch.Status(ctx)
		if err != nil {
			fatal("reading status: %v", err)
		}

		switch output {
		case "json":
			printJSON(status)
			return
		case "yaml":
			printYAML(status)
			return
		case "text":
		default:
			fatal("--output must be text, json or yaml")
		}

		linked, err := creds.Linked(ctx)
		if err != nil {
			fatal("reading credentials: %v", err)
		}

		fmt.Printf("\n%s\n", ui.RenderHeader("Sync status"))
		rows := [][2]string{
			{"Database", store.Path()},
			{"Cloud", cfg.Cloud.URL},
			{"Linked", strconv.FormatBool(linked)},
			{"State", status.State.String()},
			{"Dirty rows", strconv.Itoa(status.DirtyCount)},
			{"Deletions", strconv.Itoa(status.TombstoneCount)},
		}
		if status.LastSyncTime != nil {
			rows = append(rows, [2]string{"Last sync", status.LastSyncTime.Local().Format("2006-01-02 15:04:05")})
		} else {
			rows = append(rows, [2]string{"Last sync", ui.RenderMuted("never")})
		}
		fmt.Print(ui.KeyValues(rows))

		if len(status.DirtyByTable) > 0 {
			tables := make([]string, 0, len(status.DirtyByTable))
			for t := range status.DirtyByTable {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			fmt.Printf("\n%s\n", ui.RenderHeader("Pending by table"))
			var byTable [][2]string
			for _, t := range tables {
				byTable = append(byTable, [2]string{t, strconv.Itoa(status.DirtyByTable[t])})
			}
			fmt.Print(ui.KeyValues(byTable))
		}

		if status.Overdue {
			fmt.Printf("\n%s Changes have been waiting since %s\n", ui.RenderWarn("⚠"),
				status.OldestChange.Local().Format("2006-01-02 15:04"))
		}
		fmt.Println()
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sync cycles",
	Long: `List recorded sync cycles, newest first.

--since accepts a date or a relative expression:
  ecole sync history --since "2 days ago"
  ecole sync history --since "last monday"
  ecole sync history --since 2026-01-15`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		ctx := cmd.Context()
		store := openStore(ctx)
		defer store.Close()

		entries, err := store.History(ctx, since, limit)
		if err != nil {
			fatal("reading history: %v", err)
		}

		switch output {
		case "json":
			printJSON(entries)
			return
		case "yaml":
			printYAML(entries)
			return
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No sync cycles recorded"))
			return
		}
		for _, e := range entries {
			printHistoryEntry(e)
		}
	},
}

func printHistoryEntry(e db.HistoryEntry) {
	mark := ui.RenderPass("✓")
	if e.Status != "success" {
		mark = ui.RenderFail("✗")
	}
	at := e.Timestamp
	if t, err := db.ParseTime(e.Timestamp); err == nil {
		at = t.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Printf("%s %s  %s  %s\n", mark, at, e.Type, ui.RenderMuted(fmt.Sprintf("%dms", e.DurationMS)))
	if e.ErrorMessage != nil {
		fmt.Printf("    %s\n", ui.RenderWarn(*e.ErrorMessage))
	}
}

// parseSince reads an absolute date or a natural-language expression. An
// empty string means no lower bound.
func parseSince(text string, now time.Time) (time.Time, error) {
	if text == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date", text)
	}
	return r.Time, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}

func printYAML(v any) {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}

func init() {
	syncRunCmd.Flags().BoolP("verbose", "v", false, "Print each stage of the cycle")
	syncStatusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	syncHistoryCmd.Flags().String("since", "", "Only cycles after this date or expression")
	syncHistoryCmd.Flags().Int("limit", 20, "Maximum number of entries (0 for all)")
	syncHistoryCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncHistoryCmd)
	rootCmd.AddCommand(syncCmd)
}
