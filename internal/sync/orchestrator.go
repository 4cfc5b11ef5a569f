package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/cloud"
	"github.com/schoolab/ecole/internal/credentials"
	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/metrics"
)

var (
	// ErrNotLinked is returned when the device has no stored credentials.
	// It is never retried automatically.
	ErrNotLinked = credentials.ErrNotLinked

	// ErrInProgress is returned by Run while another cycle is running.
	ErrInProgress = errors.New("sync already in progress")
)

// DefaultOverdueAfter is how long a dirty row may wait before the store is
// reported overdue.
const DefaultOverdueAfter = 24 * time.Hour

// Config configures an Orchestrator.
type Config struct {
	Store       Store
	Remote      Remote
	Credentials Credentials
	Logger      zerolog.Logger

	// RetryFailedRows keeps pulled rows that failed to apply and retries
	// them on the next cycle.
	RetryFailedRows bool

	// OverdueAfter overrides DefaultOverdueAfter.
	OverdueAfter time.Duration

	// OnStateChange, when set, is called on every state transition. It
	// runs on the goroutine executing the cycle and must not block.
	OnStateChange func(from, to State)

	// ReportTimeout bounds the best-effort sync log report.
	ReportTimeout time.Duration
}

// Result describes one sync cycle.
type Result struct {
	Pulled            int           `json:"pulled" yaml:"pulled"`
	Applied           int           `json:"applied" yaml:"applied"`
	Kept              int           `json:"kept" yaml:"kept"`
	Skipped           int           `json:"skipped" yaml:"skipped"`
	Deleted           int           `json:"deleted" yaml:"deleted"`
	Pushed            int           `json:"pushed" yaml:"pushed"`
	DeletionsPushed   int           `json:"deletionsPushed" yaml:"deletions_pushed"`
	Acknowledged      int           `json:"acknowledged" yaml:"acknowledged"`
	Changed           int           `json:"changed" yaml:"changed"`
	TombstonesCleared int           `json:"tombstonesCleared" yaml:"tombstones_cleared"`
	Duration          time.Duration `json:"duration" yaml:"duration"`
	StartedAt         time.Time     `json:"startedAt" yaml:"started_at"`
	ServerTime        string        `json:"serverTime,omitempty" yaml:"server_time,omitempty"`
}

func (r *Result) counts() map[string]int {
	return map[string]int{
		"pulled":             r.Pulled,
		"applied":            r.Applied,
		"kept":               r.Kept,
		"skipped":            r.Skipped,
		"deleted":            r.Deleted,
		"pushed":             r.Pushed,
		"deletions_pushed":   r.DeletionsPushed,
		"acknowledged":       r.Acknowledged,
		"tombstones_cleared": r.TombstonesCleared,
	}
}

// Status is the orchestrator state plus the store's pending work.
type Status struct {
	State     State `json:"state" yaml:"state"`
	db.Status `yaml:",inline"`
}

type orchestrator struct {
	cfg Config
	log zerolog.Logger

	running atomic.Bool
	state   atomic.Int32
}

// New creates an Orchestrator.
func New(cfg Config) Orchestrator {
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = DefaultOverdueAfter
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	return &orchestrator{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "sync").Logger(),
	}
}

// State implements Orchestrator.State.
func (o *orchestrator) State() State {
	return State(o.state.Load())
}

func (o *orchestrator) setState(to State) {
	from := State(o.state.Swap(int32(to)))
	metrics.SyncState.Set(float64(to))
	if from == to {
		return
	}
	o.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	if o.cfg.OnStateChange != nil {
		o.cfg.OnStateChange(from, to)
	}
}

// Status implements Orchestrator.Status.
func (o *orchestrator) Status(ctx context.Context) (*Status, error) {
	st, err := o.cfg.Store.SyncStatus(ctx, o.cfg.OverdueAfter)
	if err != nil {
		return nil, err
	}
	return &Status{State: o.State(), Status: *st}, nil
}

// Run implements Orchestrator.Run.
func (o *orchestrator) Run(ctx context.Context) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer o.running.Store(false)

	start := time.Now()
	result := &Result{}
	id, err := o.cycle(ctx, result)
	result.Duration = time.Since(start)
	result.StartedAt = start

	if err != nil {
		o.setState(StateFailed)
		metrics.SyncCycles.WithLabelValues("failed").Inc()
		o.log.Error().Err(err).Dur("duration", result.Duration).Msg("sync cycle failed")
	} else {
		o.setState(StateIdle)
		metrics.SyncCycles.WithLabelValues("success").Inc()
		o.log.Info().
			Int("pulled", result.Pulled).
			Int("pushed", result.Pushed).
			Int("acknowledged", result.Acknowledged).
			Dur("duration", result.Duration).
			Msg("sync cycle complete")
	}
	metrics.SyncDuration.Observe(result.Duration.Seconds())

	if !errors.Is(err, ErrNotLinked) {
		o.record(ctx, id, result, err)
	}
	return result, err
}

func (o *orchestrator) fail(stage State, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// cycle runs the stages in order. The identity is returned so that the
// cycle can be reported even when a later stage failed.
func (o *orchestrator) cycle(ctx context.Context, result *Result) (cloud.Identity, error) {
	o.setState(StateAuthenticating)
	id, err := o.cfg.Credentials.Identity(ctx)
	if err != nil {
		if errors.Is(err, ErrNotLinked) {
			return id, ErrNotLinked
		}
		return id, o.fail(StateAuthenticating, err)
	}

	// Pulling
	o.setState(StatePulling)
	since, _, err := o.cfg.Store.Setting(ctx, db.SettingLastSyncTime)
	if err != nil {
		return id, o.fail(StatePulling, err)
	}
	pulled, err := o.cfg.Remote.Pull(ctx, id, since)
	if err != nil {
		return id, o.fail(StatePulling, err)
	}
	result.Pulled = pulled.Snapshot.Count()
	result.ServerTime = pulled.ServerTime
	metrics.SyncRows.WithLabelValues("pulled").Add(float64(result.Pulled))

	// Applying
	o.setState(StateApplying)
	applied, err := o.cfg.Store.ApplySnapshot(ctx, &pulled.Snapshot, db.ApplyOptions{RetainRejects: o.cfg.RetryFailedRows})
	if err != nil {
		return id, o.fail(StateApplying, err)
	}
	result.Applied = applied.Applied
	result.Kept = applied.Kept
	result.Deleted = applied.Deleted
	result.Skipped = len(applied.Failures)
	for _, f := range applied.Failures {
		o.log.Warn().Str("table", f.Table).Int64("local_id", f.LocalID).Err(f.Err).Msg("skipped pulled row")
	}
	if applied.Kept > 0 {
		o.log.Info().Int("kept", applied.Kept).Msg("kept locally modified rows over pulled versions")
	}
	metrics.SyncRows.WithLabelValues("applied").Add(float64(result.Applied))

	// Collecting
	o.setState(StateCollecting)
	out, err := o.cfg.Store.CollectOutbound(ctx)
	if err != nil {
		return id, o.fail(StateCollecting, err)
	}
	if out.Batch.Empty() {
		o.log.Debug().Msg("nothing to push")
		return id, nil
	}

	// Pushing
	o.setState(StatePushing)
	school, err := o.cfg.Credentials.School(ctx)
	if err != nil {
		return id, o.fail(StatePushing, err)
	}
	ack, err := o.cfg.Remote.Push(ctx, id, out.Batch, school)
	if err != nil {
		return id, o.fail(StatePushing, err)
	}
	result.Pushed = out.Batch.Count()
	result.DeletionsPushed = len(out.Batch.Deletions)
	metrics.SyncRows.WithLabelValues("pushed").Add(float64(result.Pushed))

	// Reconciling
	o.setState(StateReconciling)
	rec, err := o.cfg.Store.Reconcile(ctx, ack, out.Revisions)
	if err != nil {
		return id, o.fail(StateReconciling, err)
	}
	result.Acknowledged = rec.Acknowledged
	result.Changed = rec.Changed
	result.TombstonesCleared = rec.TombstonesCleared
	if missing := result.Pushed - rec.Acknowledged - rec.Changed; missing > 0 {
		o.log.Warn().Int("rows", missing).Msg("rows not acknowledged, will retry next cycle")
	}
	metrics.SyncRows.WithLabelValues("acknowledged").Add(float64(result.Acknowledged))
	return id, nil
}

// record appends the cycle to the local history and reports it to the
// remote. Both are best effort.
func (o *orchestrator) record(ctx context.Context, id cloud.Identity, result *Result, cycleErr error) {
	// The next pull starts from the remote's clock when it sent one, and
	// from the cycle start otherwise, so remote changes made while the cycle
	// ran are pulled again.
	entry := &db.HistoryEntry{
		Timestamp:     db.FormatTime(result.StartedAt),
		SyncedThrough: result.ServerTime,
		Type:          "full",
		Status:        "success",
		RecordsSynced: result.counts(),
		DurationMS:    result.Duration.Milliseconds(),
	}
	if cycleErr != nil {
		entry.Status = "failed"
		msg := cycleErr.Error()
		entry.ErrorMessage = &msg
	}

	// The history must be written even when the cycle was cancelled.
	storeCtx := context.WithoutCancel(ctx)
	if err := o.cfg.Store.AppendHistory(storeCtx, entry); err != nil {
		o.log.Warn().Err(err).Msg("failed to record sync history")
	}

	if id.SchoolID == "" {
		return
	}
	reportCtx, cancel := context.WithTimeout(storeCtx, o.cfg.ReportTimeout)
	defer cancel()
	err := o.cfg.Remote.ReportSyncLog(reportCtx, id, cloud.SyncLog{
		Type:         entry.Type,
		Status:       entry.Status,
		Details:      entry.RecordsSynced,
		ErrorMessage: entry.ErrorMessage,
		DurationMS:   entry.DurationMS,
		Timestamp:    entry.Timestamp,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to report sync log")
	}
}
