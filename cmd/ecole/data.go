package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolab/ecole/internal/export"
	"github.com/schoolab/ecole/internal/loadtest"
	"github.com/schoolab/ecole/internal/seed"
	"github.com/schoolab/ecole/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed <snapshot.json>",
	GroupID: "data",
	Short:   "Import school data from a JSON snapshot",
	Long: `Import the rows of a JSON snapshot as new local data.

The file has the shape of a cloud pull response. Rows get new local ids,
their references are rewritten accordingly, and they are queued for the
next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()

		snap, err := seed.FromFile(args[0])
		if err != nil {
			fatal("%v", err)
		}

		store := openStore(ctx)
		defer store.Close()

		result, err := seed.Import(ctx, store, snap, seed.Options{FromFile: args[0], DryRun: dryRun, Logger: logger})
		if err != nil {
			fatal("import failed: %v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d rows from %s\n", ui.RenderPass("✓"), verb, result.Total(), filepath.Base(args[0]))

		tables := make([]string, 0, len(result.Created))
		for t := range result.Created {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		var rows [][2]string
		for _, t := range tables {
			rows = append(rows, [2]string{"   " + t, fmt.Sprint(result.Created[t])})
		}
		fmt.Print(ui.KeyValues(rows))

		if result.Skipped > 0 {
			fmt.Printf("%s %d rows skipped:\n", ui.RenderWarn("⚠"), result.Skipped)
			for _, e := range result.Errors {
				fmt.Printf("   %s\n", ui.RenderMuted(e))
			}
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <class-id>",
	GroupID: "data",
	Short:   "Export a class grade sheet to XLSX",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		var classID int64
		if _, err := fmt.Sscan(args[0], &classID); err != nil {
			fatal("invalid class id %q", args[0])
		}

		store := openStore(ctx)
		defer store.Close()

		roster, err := store.ClassRoster(ctx, classID)
		if err != nil {
			fatal("loading class: %v", err)
		}
		if output == "" {
			output = strings.ReplaceAll(roster.Class.Name, " ", "_") + ".xlsx"
		}
		if err := export.ToFile(output, roster); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Exported %s (%d students, %d subjects) to %s\n", ui.RenderPass("✓"),
			roster.Class.Name, len(roster.Students), len(roster.Subjects), output)
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "lan",
	Short:   "Simulate many devices submitting grades to a running service",
	Long: `Send grade batches from concurrent simulated devices to a running LAN
service and report request latency.

The batches write real grades into the first class of the active year
that has students and subjects. Run it against a test database.

Example usage:
  ecole loadtest --url http://192.168.1.20:3030 --senders 30 --batches 20`,
	Run: func(cmd *cobra.Command, args []string) {
		url, _ := cmd.Flags().GetString("url")
		senders, _ := cmd.Flags().GetInt("senders")
		batches, _ := cmd.Flags().GetInt("batches")
		size, _ := cmd.Flags().GetInt("batch-size")
		listen, _ := cmd.Flags().GetBool("listen")

		if url == "" {
			url = fmt.Sprintf("http://127.0.0.1:%d", cfg.LAN.Port)
		}
		ltCfg := loadtest.Config{
			BaseURL:          strings.TrimRight(url, "/"),
			Senders:          senders,
			BatchesPerSender: batches,
			BatchSize:        size,
			Listen:           listen,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		target, err := loadtest.Discover(ctx, ltCfg)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %d senders x %d batches of %d grades against class %d\n", ui.RenderAccent("▶"),
			senders, batches, size, target.ClassID)

		stats, err := loadtest.Run(ctx, ltCfg, target)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println()
		stats.PrintStats(os.Stdout)
		if stats.Errors > 0 {
			fmt.Printf("\n%s %d batches failed\n", ui.RenderWarn("⚠"), stats.Errors)
		}
		if stats.Elapsed > time.Millisecond {
			fmt.Printf("\n   Throughput: %.1f batches/s\n", float64(stats.TotalRequests)/stats.Elapsed.Seconds())
		}
	},
}

func init() {
	seedCmd.Flags().Bool("dry-run", false, "Validate and count without writing")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default <class name>.xlsx)")
	loadtestCmd.Flags().String("url", "", "Service URL (default the local lan.port)")
	loadtestCmd.Flags().Int("senders", 10, "Number of concurrent devices")
	loadtestCmd.Flags().Int("batches", 10, "Batches per device")
	loadtestCmd.Flags().Int("batch-size", 20, "Grades per batch")
	loadtestCmd.Flags().Bool("listen", true, "Count events on the event stream")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(loadtestCmd)
}
