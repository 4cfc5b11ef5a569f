package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	ecolesync "github.com/schoolab/ecole/internal/sync"
)

// Source names what triggered a sync cycle.
type Source string

const (
	SourceSchedule Source = "schedule"
	SourceWatch    Source = "watch"
	SourceManual   Source = "manual"
)

// Runner runs one sync cycle. It is satisfied by sync.Orchestrator.
type Runner interface {
	Run(ctx context.Context) (*ecolesync.Result, error)
}

// Pending counts local changes waiting to be pushed.
type Pending interface {
	CountDirty(ctx context.Context) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Schedule is a cron spec or descriptor ("@every 15m", "0 */2 * * *").
	// An empty schedule disables scheduled cycles.
	Schedule string

	// WatchPath is the database file to watch. Writes to it trigger a
	// cycle when local changes are pending. Empty disables watching.
	WatchPath string

	// DebounceInterval is how long the store must stay quiet after a write
	// before a watch-triggered cycle starts.
	DebounceInterval time.Duration

	// MinInterval is the minimum time between the start of a cycle and a
	// watch-triggered one. Triggers arriving sooner are deferred.
	MinInterval time.Duration

	// RunTimeout bounds a single cycle.
	RunTimeout time.Duration

	// OnCycle, when set, is called after every cycle the daemon runs.
	OnCycle func(src Source, result *ecolesync.Result, err error)

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Schedule:         "@every 15m",
		DebounceInterval: 2 * time.Second,
		MinInterval:      time.Minute,
		RunTimeout:       5 * time.Minute,
		Logger:           zerolog.Nop(),
	}
}

// Daemon triggers sync cycles from a schedule and from store writes. Cycles
// never overlap: every trigger is handled by one loop, and triggers that
// arrive while a cycle runs are coalesced into one follow-up cycle.
type Daemon struct {
	runner  Runner
	pending Pending
	config  *Config
	log     zerolog.Logger

	cron     *cron.Cron
	watcher  *StoreWatcher
	triggers chan Source

	changedAt time.Time
	changed   bool
	changeMu  sync.Mutex

	// owned by the run loop
	lastRun  time.Time
	deferred *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. Use Start to begin triggering cycles.
func New(runner Runner, pending Pending, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.WatchPath != "" && pending == nil {
		return nil, fmt.Errorf("watching requires a pending-change counter")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		runner:   runner,
		pending:  pending,
		config:   config,
		log:      config.Logger.With().Str("component", "daemon").Logger(),
		cron:     cron.New(),
		triggers: make(chan Source, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	if config.Schedule != "" {
		if _, err := d.cron.AddFunc(config.Schedule, func() { d.Trigger(SourceSchedule) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid sync schedule %q: %w", config.Schedule, err)
		}
	}

	if config.WatchPath != "" {
		w, err := NewStoreWatcher(config.WatchPath)
		if err != nil {
			cancel()
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start begins triggering cycles and blocks until ctx is cancelled or Stop
// is called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch store: %w", err)
		}
		d.wg.Add(2)
		go d.watchStoreEvents()
		go d.processChanges()
	}

	d.wg.Add(1)
	go d.runLoop()
	d.cron.Start()

	d.log.Info().
		Str("schedule", d.config.Schedule).
		Str("watch", d.config.WatchPath).
		Dur("min_interval", d.config.MinInterval).
		Msg("sync daemon started")

	select {
	case <-ctx.Done():
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for a running cycle to finish.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.cron.Stop().Done()
		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				err = werr
			}
		}
		d.wg.Wait()
		if d.deferred != nil {
			d.deferred.Stop()
		}
		d.log.Info().Msg("sync daemon stopped")
	})
	return err
}

// Trigger requests a cycle. It returns false when a request is already
// queued, in which case the two are served by one cycle.
func (d *Daemon) Trigger(src Source) bool {
	select {
	case d.triggers <- src:
		return true
	default:
		return false
	}
}

func (d *Daemon) runLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case src := <-d.triggers:
			d.handle(src)
		}
	}
}

func (d *Daemon) handle(src Source) {
	if src == SourceWatch {
		n, err := d.pending.CountDirty(d.ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("failed to count pending changes")
			return
		}
		if n == 0 {
			d.log.Debug().Msg("store changed but nothing to push")
			return
		}
		if wait := d.config.MinInterval - time.Since(d.lastRun); !d.lastRun.IsZero() && wait > 0 {
			d.deferWatch(wait)
			return
		}
	}

	d.lastRun = time.Now()
	ctx, cancel := context.WithTimeout(d.ctx, d.config.RunTimeout)
	result, err := d.runner.Run(ctx)
	cancel()

	switch {
	case err == nil:
		d.log.Debug().Str("source", string(src)).Msg("cycle finished")
	case errors.Is(err, ecolesync.ErrInProgress):
		d.log.Debug().Str("source", string(src)).Msg("cycle already running")
	case errors.Is(err, ecolesync.ErrNotLinked):
		d.log.Info().Str("source", string(src)).Msg("device not linked, skipping sync")
	default:
		d.log.Warn().Err(err).Str("source", string(src)).Msg("scheduled sync failed")
	}

	if d.config.OnCycle != nil {
		d.config.OnCycle(src, result, err)
	}
}

// deferWatch re-triggers a watch cycle once the minimum interval elapsed.
func (d *Daemon) deferWatch(wait time.Duration) {
	if d.deferred != nil {
		d.deferred.Stop()
	}
	d.log.Debug().Dur("wait", wait).Msg("deferring watch-triggered sync")
	d.deferred = time.AfterFunc(wait, func() {
		if d.ctx.Err() == nil {
			d.Trigger(SourceWatch)
		}
	})
}

func (d *Daemon) watchStoreEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.changeMu.Lock()
			d.changed = true
			d.changedAt = time.Now()
			d.changeMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("store watcher error")
		}
	}
}

// processChanges fires one watch trigger once the store has been quiet
// for DebounceInterval.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changeMu.Lock()
			ready := d.changed && time.Since(d.changedAt) >= d.config.DebounceInterval
			if ready {
				d.changed = false
			}
			d.changeMu.Unlock()

			if ready {
				d.Trigger(SourceWatch)
			}
		}
	}
}
