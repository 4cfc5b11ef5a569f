package daemon_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/daemon"
	ecolesync "github.com/schoolab/ecole/internal/sync"
)

// cycleFunc adapts a function to daemon.Runner.
type cycleFunc func(ctx context.Context) (*ecolesync.Result, error)

func (f cycleFunc) Run(ctx context.Context) (*ecolesync.Result, error) {
	return f(ctx)
}

// Example_manualSync queues a cycle before starting the daemon and stops
// once it has run.
func Example_manualSync() {
	runner := cycleFunc(func(ctx context.Context) (*ecolesync.Result, error) {
		return &ecolesync.Result{Pulled: 3, Applied: 3, Pushed: 2, Acknowledged: 2}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := daemon.New(runner, nil, &daemon.Config{
		RunTimeout: time.Minute,
		OnCycle: func(src daemon.Source, result *ecolesync.Result, err error) {
			fmt.Printf("%s cycle: pulled %d, pushed %d\n", src, result.Pulled, result.Pushed)
			cancel()
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		log.Fatal(err)
	}

	d.Trigger(daemon.SourceManual)
	if err := d.Start(ctx); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Daemon stopped")

	// Output:
	// manual cycle: pulled 3, pushed 2
	// Daemon stopped
}

// Example_schedule runs cycles on a cron schedule and whenever the database
// file changes with local edits pending. It is not run as a test.
func Example_schedule() {
	runner := cycleFunc(func(ctx context.Context) (*ecolesync.Result, error) {
		return &ecolesync.Result{}, nil
	})

	config := daemon.DefaultConfig()
	config.Schedule = "@every 30m"
	config.WatchPath = "ecole.db"
	config.MinInterval = time.Minute

	d, err := daemon.New(runner, pendingCount(1), config)
	if err != nil {
		log.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
}

type pendingCount int

func (n pendingCount) CountDirty(ctx context.Context) (int, error) {
	return int(n), nil
}
