package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schoolab/ecole/internal/daemon"
	"github.com/schoolab/ecole/internal/discovery"
	"github.com/schoolab/ecole/internal/realtime"
	ecolesync "github.com/schoolab/ecole/internal/sync"
	"github.com/schoolab/ecole/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "lan",
	Short:   "Serve grade entry on the local network and sync in the background",
	Long: `Start the LAN grade service and the background sync daemon.

Devices on the school network read class rosters and submit grade batches
over HTTP, and receive every committed change as a live event:

  GET  /api/classes              classes of the active year
  GET  /api/classes/{id}/full    class, students, subjects and grades
  POST /api/grades/batch         all-or-nothing grade batch
  GET  /api/events               server-sent event stream
  GET  /api/ws                   the same stream over WebSocket

Sync cycles run on the configured schedule and shortly after local changes,
never more than one at a time.

Example usage:
  ecole serve                    # Listen on lan.port (default 3030)
  ecole serve --port 4000
  ecole serve --no-sync          # LAN service only
  ecole serve --advertise        # Announce the service over mDNS`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			cfg.LAN.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("advertise") {
			cfg.LAN.Advertise, _ = cmd.Flags().GetBool("advertise")
		}
		noSync, _ := cmd.Flags().GetBool("no-sync")
		syncNow, _ := cmd.Flags().GetBool("sync-now")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store := openStore(ctx)
		defer store.Close()

		orch, creds := newOrchestrator(store, nil)
		deviceID, err := creds.DeviceID(ctx)
		if err != nil {
			fatal("reading device id: %v", err)
		}

		server := realtime.NewServer(store, &realtime.Config{
			Host:       cfg.LAN.Host,
			Port:       cfg.LAN.Port,
			KeepAlive:  cfg.LAN.KeepAlive,
			SendBuffer: realtime.DefaultSendBuffer,
			DeviceID:   deviceID,
			Logger:     logger,
		})
		if err := server.Start(); err != nil {
			fatal("failed to start LAN service: %v", err)
		}
		info := server.Info()

		fmt.Printf("%s LAN service started on %s\n", ui.RenderPass("✓"), ui.RenderAccent(info.URL()))
		fmt.Printf("   Events: %s/api/events\n", info.URL())
		fmt.Printf("   Health: %s/health\n", info.URL())

		if cfg.LAN.Advertise {
			school, _ := creds.School(ctx)
			adv, err := discovery.Advertise(discovery.Info{
				DeviceID: deviceID,
				School:   school.Name,
				Port:     info.Port,
				Version:  Version,
			}, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s mDNS advertisement unavailable: %v\n", ui.RenderWarn("⚠"), err)
			} else {
				defer adv.Shutdown()
				fmt.Printf("   Advertised as %s\n", discovery.Service)
			}
		}

		if noSync {
			fmt.Println("\nPress Ctrl+C to stop...")
			<-ctx.Done()
		} else {
			d, err := daemon.New(orch, store, &daemon.Config{
				Schedule:         cfg.Sync.Schedule,
				WatchPath:        store.Path(),
				DebounceInterval: daemon.DefaultConfig().DebounceInterval,
				MinInterval:      cfg.Sync.MinInterval,
				RunTimeout:       daemon.DefaultConfig().RunTimeout,
				OnCycle:          notifyCycle(server),
				Logger:           logger,
			})
			if err != nil {
				fatal("failed to create sync daemon: %v", err)
			}
			if syncNow {
				d.Trigger(daemon.SourceManual)
			}
			fmt.Printf("   Sync: %s with %s\n", cfg.Sync.Schedule, cfg.Cloud.URL)
			fmt.Println("\nPress Ctrl+C to stop...")

			if err := d.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "%s sync daemon: %v\n", ui.RenderWarn("⚠"), err)
			}
		}

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fatal("during shutdown: %v", err)
		}
		fmt.Println("Stopped")
	},
}

// notifyCycle tells LAN listeners to reload when a cycle changed the store.
func notifyCycle(server *realtime.Server) func(daemon.Source, *ecolesync.Result, error) {
	return func(src daemon.Source, result *ecolesync.Result, err error) {
		if err != nil || result == nil || result.Applied+result.Deleted == 0 {
			return
		}
		data, _ := json.Marshal(map[string]any{
			"source":  src,
			"applied": result.Applied,
			"deleted": result.Deleted,
		})
		server.BroadcastChange(realtime.Event{Type: realtime.TypeSync, Data: data})
	}
}

func init() {
	serveCmd.Flags().IntP("port", "p", realtime.DefaultPort, "Port to listen on (overrides lan.port)")
	serveCmd.Flags().Bool("advertise", false, "Announce the service over mDNS")
	serveCmd.Flags().Bool("no-sync", false, "Do not run background sync")
	serveCmd.Flags().Bool("sync-now", false, "Run a sync cycle at startup")

	rootCmd.AddCommand(serveCmd)
}
