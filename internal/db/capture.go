package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

// Change capture.
//
// Each syncable table gets two triggers generated from schema.Tables:
//
//   - trg_<table>_capture marks a row dirty, bumps its revision and refreshes
//     its timestamps after any update that does not itself clear the dirty
//     flag. Clearing the flag (1 -> 0) is how acknowledgments are written, so
//     those updates are left alone.
//   - trg_<table>_tombstone records a deletion in sync_deletions when the
//     deleted row already had a server id.
//
// Writes made by the sync layer (pull application, acknowledgments, remote
// deletions) run inside syncTx, which holds a capture_suspension row for the
// duration of the transaction. Both triggers are disabled while that row
// exists. Because the row is never committed, other connections never see it.

const captureTemplate = `
	CREATE TRIGGER IF NOT EXISTS trg_{{table}}_capture
	AFTER UPDATE ON {{table}}
	WHEN (NEW.is_dirty = OLD.is_dirty OR NEW.is_dirty = 1)
		AND NOT EXISTS (SELECT 1 FROM capture_suspension)
	BEGIN
		UPDATE {{table}}
		SET is_dirty = 1,
			revision = OLD.revision + 1,
			updated_at = {{now}},
			last_modified_at = {{now}}
		WHERE id = NEW.id;
	END;

	CREATE TRIGGER IF NOT EXISTS trg_{{table}}_tombstone
	AFTER DELETE ON {{table}}
	WHEN OLD.server_id IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM capture_suspension)
	BEGIN
		INSERT OR REPLACE INTO sync_deletions (table_name, server_id, local_id, deleted_at)
		VALUES ('{{table}}', OLD.server_id, OLD.id, {{now}});
	END;

	CREATE INDEX IF NOT EXISTS idx_{{table}}_dirty ON {{table}}(is_dirty);
	CREATE INDEX IF NOT EXISTS idx_{{table}}_server_id ON {{table}}(server_id);
`

// captureSQL renders the capture triggers for every syncable table.
func captureSQL() string {
	var b strings.Builder
	for _, t := range schema.Tables {
		r := strings.NewReplacer("{{table}}", t.Name, "{{now}}", nowSQL)
		b.WriteString(r.Replace(captureTemplate))
	}
	return b.String()
}

// syncTx runs fn in a transaction with change capture suspended.
func (db *DB) syncTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO capture_suspension (id) VALUES (1)`); err != nil {
			return classify(fmt.Errorf("failed to suspend change capture: %w", err))
		}

		if err := fn(tx); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM capture_suspension`); err != nil {
			return classify(fmt.Errorf("failed to resume change capture: %w", err))
		}
		return nil
	})
}
