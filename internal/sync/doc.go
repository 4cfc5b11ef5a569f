// Package sync reconciles the local store with the remote authority.
//
// Overview
//
// A sync cycle pulls the authoritative snapshot first and then pushes local
// changes, so that acknowledged server ids always land on rows that already
// reflect the remote's state:
//
//	Idle
//	  ↓
//	Authenticating   credentials from the settings table (ErrNotLinked)
//	  ↓
//	Pulling          GET /api/sync/pull
//	  ↓
//	Applying         one store transaction, dirty local rows are kept
//	  ↓
//	Collecting       one read transaction: dirty rows + tombstones
//	  ↓
//	Pushing          POST /api/sync/push
//	  ↓
//	Reconciling      one store transaction: server ids, dirty flags, tombstones
//	  ↓
//	Idle
//
// Any stage may fail, which leaves the orchestrator in StateFailed until the
// next cycle. A failure before Applying changes nothing locally. A failure
// after Applying keeps the pulled rows and leaves every local change dirty,
// so the next cycle pushes it again. Unacknowledged rows are the only retry
// mechanism.
//
// Usage
//
//	orch := sync.New(sync.Config{
//	    Store:       store,
//	    Remote:      client,
//	    Credentials: credentials.New(store, ""),
//	    Logger:      logging.Component("sync"),
//	})
//
//	result, err := orch.Run(ctx)
//	if errors.Is(err, sync.ErrNotLinked) {
//	    // ask the user to link the device
//	}
//
// Concurrency
//
// Run is single-flight: a call made while a cycle is running returns
// ErrInProgress immediately. No store transaction is held across a network
// request, and every request carries the remote client's deadline.
package sync
