package sync

import (
	"context"
	"time"

	"github.com/schoolab/ecole/internal/cloud"
	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// Orchestrator runs sync cycles between the local store and the remote
// authority.
type Orchestrator interface {
	// Run performs one complete cycle: pull, apply, collect, push,
	// reconcile.
	//
	// Returns ErrNotLinked when no credentials are stored and
	// ErrInProgress when another cycle is running. Remote rejections are
	// returned as *cloud.RemoteError and transport failures wrap
	// cloud.ErrNetwork. The result is non-nil whenever a cycle started,
	// even when it failed, and describes what was done before the failure.
	Run(ctx context.Context) (*Result, error)

	// State returns the current stage of the orchestrator.
	State() State

	// Status summarizes what is waiting to be synchronized.
	Status(ctx context.Context) (*Status, error)
}

// Store is the part of the entity store the orchestrator uses.
type Store interface {
	ApplySnapshot(ctx context.Context, snap *schema.Snapshot, opts db.ApplyOptions) (*db.ApplyResult, error)
	CollectOutbound(ctx context.Context) (*db.Outbound, error)
	Reconcile(ctx context.Context, ack *schema.Ack, revisions map[string]map[int64]int64) (*db.ReconcileResult, error)
	AppendHistory(ctx context.Context, e *db.HistoryEntry) error
	SyncStatus(ctx context.Context, overdueAfter time.Duration) (*db.Status, error)
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Remote is the remote authority.
type Remote interface {
	Pull(ctx context.Context, id cloud.Identity, since string) (*cloud.PullResult, error)
	Push(ctx context.Context, id cloud.Identity, batch schema.Batch, info schema.SchoolInfo) (*schema.Ack, error)
	ReportSyncLog(ctx context.Context, id cloud.Identity, entry cloud.SyncLog) error
}

// Credentials supplies the identity used for remote requests.
type Credentials interface {
	Identity(ctx context.Context) (cloud.Identity, error)
	School(ctx context.Context) (schema.SchoolInfo, error)
}
