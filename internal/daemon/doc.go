// Package daemon runs sync cycles in the background.
//
// # Triggers
//
// A cycle starts for one of three reasons:
//
//   - Schedule: a cron spec (robfig/cron), "@every 15m" by default. Scheduled
//     cycles always run, so remote changes are pulled even when nothing
//     changed locally.
//   - Watch: the database file or its WAL was written. The StoreWatcher
//     reports writes, the daemon waits until the store has been quiet for
//     DebounceInterval and then runs a cycle only when local changes are
//     pending. Watch cycles are at least MinInterval apart; a trigger that
//     arrives sooner is deferred, not dropped.
//   - Manual: Trigger(SourceManual), used by the serve command when the
//     application asks for an immediate sync.
//
// # Usage
//
//	cfg := daemon.DefaultConfig()
//	cfg.WatchPath = dbPath
//	cfg.Logger = logging.Component("daemon")
//
//	d, err := daemon.New(orchestrator, store, cfg)
//	if err != nil {
//	    return err
//	}
//	go d.Start(ctx)
//
// All triggers are served by a single loop, so two cycles never overlap.
// Triggers that arrive while a cycle runs are coalesced into one follow-up
// cycle.
package daemon
