package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

// Outbound is the set of local changes collected for one push.
type Outbound struct {
	Batch schema.Batch

	// Revisions records the revision of every collected row so that
	// acknowledgments only clear rows that did not change since collection.
	Revisions map[string]map[int64]int64
}

// CollectOutbound reads every dirty row and every tombstone from a single
// read transaction. Foreign keys are sent both as local ids and, when the
// parent already has one, as the parent's server id.
func (db *DB) CollectOutbound(ctx context.Context) (*Outbound, error) {
	tx, err := db.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := &Outbound{
		Batch:     schema.Batch{Rows: make(map[string][]schema.Record)},
		Revisions: make(map[string]map[int64]int64),
	}

	for _, t := range schema.Tables {
		rows, revisions, err := collectTable(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			out.Batch.Rows[t.Name] = rows
			out.Revisions[t.Name] = revisions
		}
	}

	out.Batch.Deletions, err = tombstones(ctx, tx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectQuery(t *schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s", t.SelectList("t"))
	for i, c := range t.References() {
		fmt.Fprintf(&b, `, p%d.server_id AS "%s:server"`, i, c.Name)
	}
	fmt.Fprintf(&b, " FROM %s t", t.Name)
	for i, c := range t.References() {
		fmt.Fprintf(&b, " LEFT JOIN %s p%d ON p%d.id = t.%s", c.Ref, i, i, c.Name)
	}
	b.WriteString(" WHERE t.is_dirty = 1 ORDER BY t.id")
	return b.String()
}

func collectTable(ctx context.Context, q sqlx.QueryerContext, t *schema.Table) ([]schema.Record, map[int64]int64, error) {
	rows, err := q.QueryxContext(ctx, collectQuery(t))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to collect %s: %w", t.Name, err)
	}
	defer rows.Close()

	var records []schema.Record
	revisions := make(map[int64]int64)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		id, _ := row["id"].(int64)
		rev, _ := row["revision"].(int64)
		revisions[id] = rev
		records = append(records, t.ToWire(row))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate %s rows: %w", t.Name, err)
	}
	return records, revisions, nil
}

// DirtyRows returns the dirty rows of one table in wire form.
func (db *DB) DirtyRows(ctx context.Context, table string) ([]schema.Record, error) {
	t, ok := schema.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	records, _, err := collectTable(ctx, db.x, t)
	return records, err
}

// Tombstones returns every pending deletion record.
func (db *DB) Tombstones(ctx context.Context) ([]schema.Tombstone, error) {
	return tombstones(ctx, db.x)
}

// CountDirty returns the number of changes waiting to be pushed: dirty rows
// of every table plus pending tombstones.
func (db *DB) CountDirty(ctx context.Context) (int, error) {
	parts := make([]string, 0, len(schema.Tables)+1)
	for _, t := range schema.Tables {
		parts = append(parts, fmt.Sprintf(`SELECT COUNT(*) AS n FROM %s WHERE is_dirty = 1`, t.Name))
	}
	parts = append(parts, `SELECT COUNT(*) AS n FROM sync_deletions`)

	var n int
	err := db.x.GetContext(ctx, &n, `SELECT COALESCE(SUM(n), 0) FROM (`+strings.Join(parts, " UNION ALL ")+`)`)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

func tombstones(ctx context.Context, q sqlx.QueryerContext) ([]schema.Tombstone, error) {
	list := []schema.Tombstone{}
	err := sqlx.SelectContext(ctx, q, &list,
		`SELECT id, table_name, server_id, local_id, deleted_at FROM sync_deletions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	return list, nil
}

// RowFailure describes a pulled row that could not be applied.
type RowFailure struct {
	Table   string
	LocalID int64
	Err     error
}

func (f RowFailure) Error() string {
	return fmt.Sprintf("%s %d: %v", f.Table, f.LocalID, f.Err)
}

// ApplyOptions controls how a pulled snapshot is applied.
type ApplyOptions struct {
	// RetainRejects keeps rows that failed to apply in pull_rejects and
	// retries them on the next apply. When false they are dropped.
	RetainRejects bool
}

// ApplyResult summarizes one snapshot application.
type ApplyResult struct {
	Applied  int          // rows written
	Kept     int          // rows skipped because the local copy is dirty
	Deleted  int          // rows removed by remote deletions
	Retried  int          // previously rejected rows applied this time
	Failures []RowFailure // rows that could not be written
}

// ApplySnapshot writes a pulled snapshot into the store in one transaction.
//
// Every row is upserted by its local id with is_dirty cleared. A row whose
// local copy is dirty is left untouched so the pending local edit is pushed
// afterwards. A clean local row holding the same natural key under another
// id is replaced by the pulled row. A row that fails (for example because its parent is missing)
// is recorded in the result and the remaining rows are still applied.
// Remote deletions remove clean local rows without creating tombstones.
func (db *DB) ApplySnapshot(ctx context.Context, snap *schema.Snapshot, opts ApplyOptions) (*ApplyResult, error) {
	result := &ApplyResult{}

	err := db.syncTx(ctx, func(tx *sqlx.Tx) error {
		rows, retried, err := withRejects(ctx, tx, snap, opts.RetainRejects)
		if err != nil {
			return err
		}

		for _, t := range schema.Tables {
			for _, rec := range rows[t.Name] {
				kept, err := applyRecord(ctx, tx, t, rec)
				if err != nil {
					failure := RowFailure{Table: t.Name, LocalID: recordID(rec), Err: err}
					result.Failures = append(result.Failures, failure)
					if opts.RetainRejects {
						if err := reject(ctx, tx, failure, rec); err != nil {
							return err
						}
					}
					continue
				}
				if kept {
					result.Kept++
					continue
				}
				result.Applied++
				if retried[rejectKey(t.Name, recordID(rec))] {
					result.Retried++
				}
			}
		}

		for _, d := range snap.Deletions {
			n, err := applyDeletion(ctx, tx, d)
			if err != nil {
				return err
			}
			result.Deleted += n
		}

		if snap.School != nil {
			if err := setSchoolInfo(ctx, tx, *snap.School); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	return result, nil
}

func applyQuery(t *schema.Table) string {
	cols := t.ColumnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf(`
		INSERT INTO %[1]s (id, server_id, is_dirty, last_modified_at, updated_at, %[2]s)
		VALUES (?, ?, 0, COALESCE(?, %[5]s), COALESCE(?, %[5]s), %[3]s)
		ON CONFLICT (id) DO UPDATE
		SET server_id = COALESCE(%[1]s.server_id, excluded.server_id),
			is_dirty = 0,
			last_modified_at = excluded.last_modified_at,
			updated_at = excluded.last_modified_at,
			%[4]s
		WHERE %[1]s.is_dirty = 0`,
		t.Name, strings.Join(cols, ", "), placeholders, strings.Join(sets, ",\n\t\t\t"), nowSQL)
}

// applyRecord upserts one pulled record. kept is true when the local row is
// dirty and was left as is.
func applyRecord(ctx context.Context, tx *sqlx.Tx, t *schema.Table, rec schema.Record) (kept bool, err error) {
	row, err := t.FromWire(rec)
	if err != nil {
		return false, err
	}

	kept, err = upsertPulled(ctx, tx, t, row)
	if len(t.Key) == 0 || !errors.Is(err, ErrConflict) {
		return kept, err
	}
	return replaceKeyHolder(ctx, tx, t, row, err)
}

func upsertPulled(ctx context.Context, tx *sqlx.Tx, t *schema.Table, row *schema.Row) (kept bool, err error) {
	args := append([]any{row.LocalID, row.ServerID, row.LastModifiedAt, row.LastModifiedAt}, row.Values...)
	res, err := tx.ExecContext(ctx, applyQuery(t), args...)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// referrer is a column pointing at rows of another table.
type referrer struct {
	table    string
	column   string
	noteType string // set for notes.target_id
}

func (r referrer) where() (string, []any) {
	if r.noteType != "" {
		return fmt.Sprintf("%s = ? AND target_type = ?", r.column), []any{r.noteType}
	}
	return r.column + " = ?", nil
}

func referrers(t *schema.Table) []referrer {
	var refs []referrer
	for _, child := range schema.Tables {
		for _, c := range child.References() {
			if c.Ref == t.Name {
				refs = append(refs, referrer{table: child.Name, column: c.Name})
			}
		}
	}
	for typ, table := range schema.NoteTargets {
		if table == t.Name {
			refs = append(refs, referrer{table: "notes", column: "target_id", noteType: typ})
		}
	}
	return refs
}

// replaceKeyHolder resolves a natural key conflict between a pulled row and
// a local row with another id. A clean holder whose children are all clean
// is replaced by the pulled row and its children move to the pulled id. A
// dirty holder, or one with dirty children, wins like any dirty row.
func replaceKeyHolder(ctx context.Context, tx *sqlx.Tx, t *schema.Table, row *schema.Row, conflict error) (kept bool, err error) {
	conds := make([]string, len(t.Key))
	for i, k := range t.Key {
		conds[i] = k + " = ?"
	}
	var holder struct {
		ID    int64 `db:"id"`
		Dirty bool  `db:"is_dirty"`
	}
	err = tx.GetContext(ctx, &holder,
		fmt.Sprintf(`SELECT id, is_dirty FROM %s WHERE %s AND id != ?`, t.Name, strings.Join(conds, " AND ")),
		append(t.KeyValues(row), row.LocalID)...)
	if isNoRows(err) {
		return false, conflict
	}
	if err != nil {
		return false, fmt.Errorf("failed to find %s holding the key: %w", t.Name, err)
	}
	if holder.Dirty {
		return true, nil
	}

	refs := referrers(t)
	for _, r := range refs {
		cond, args := r.where()
		var dirty bool
		err := tx.GetContext(ctx, &dirty,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s AND is_dirty = 1)`, r.table, cond),
			append([]any{holder.ID}, args...)...)
		if err != nil {
			return false, fmt.Errorf("failed to check children of %s %d: %w", t.Name, holder.ID, err)
		}
		if dirty {
			return true, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `SAVEPOINT replace_key`); err != nil {
		return false, classify(err)
	}
	kept, err = swapKeyHolder(ctx, tx, t, row, holder.ID, refs)
	if err != nil || kept {
		_, _ = tx.ExecContext(ctx, `ROLLBACK TO replace_key`)
	}
	if _, rerr := tx.ExecContext(ctx, `RELEASE replace_key`); rerr != nil && err == nil {
		err = classify(rerr)
	}
	return kept, err
}

// swapKeyHolder writes the pulled row in place of the holder. A holder with
// children gives up its key first so both rows exist while the children
// move; deleting it directly would cascade.
func swapKeyHolder(ctx context.Context, tx *sqlx.Tx, t *schema.Table, row *schema.Row, holderID int64, refs []referrer) (bool, error) {
	remove := func() error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.Name), holderID); err != nil {
			return fmt.Errorf("failed to remove %s %d: %w", t.Name, holderID, classify(err))
		}
		return nil
	}

	if len(refs) == 0 {
		if err := remove(); err != nil {
			return false, err
		}
		return upsertPulled(ctx, tx, t, row)
	}

	park := ""
	for _, k := range t.Key {
		if c, ok := t.Column(k); ok && c.Kind == schema.KindText {
			park = k
			break
		}
	}
	if park == "" {
		return false, fmt.Errorf("%w: %s %d holds the key of pulled row %d", ErrConflict, t.Name, holderID, row.LocalID)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %[1]s SET %[2]s = %[2]s || ' #' || id WHERE id = ?`, t.Name, park), holderID); err != nil {
		return false, classify(err)
	}

	kept, err := upsertPulled(ctx, tx, t, row)
	if err != nil || kept {
		return kept, err
	}
	for _, r := range refs {
		cond, args := r.where()
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s`, r.table, r.column, cond),
			append([]any{row.LocalID, holderID}, args...)...)
		if err != nil {
			return false, fmt.Errorf("failed to move %s of %s %d: %w", r.table, t.Name, holderID, classify(err))
		}
	}
	return false, remove()
}

func applyDeletion(ctx context.Context, tx *sqlx.Tx, d schema.RemoteDeletion) (int, error) {
	t, ok := schema.LookupWire(d.TableName)
	if !ok {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND is_dirty = 0`, t.Name), d.LocalID)
	if err != nil {
		return 0, fmt.Errorf("failed to apply remote deletion of %s %d: %w", t.Name, d.LocalID, classify(err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_deletions WHERE table_name = ? AND local_id = ?`, t.Name, d.LocalID); err != nil {
		return 0, fmt.Errorf("failed to clear tombstone: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func recordID(rec schema.Record) int64 {
	switch v := rec["localId"].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func rejectKey(table string, id int64) string {
	return fmt.Sprintf("%s/%d", table, id)
}

// withRejects merges previously rejected rows into the snapshot rows and
// clears them from pull_rejects. Rows present in the snapshot win over a
// stale reject with the same id.
func withRejects(ctx context.Context, tx *sqlx.Tx, snap *schema.Snapshot, retain bool) (map[string][]schema.Record, map[string]bool, error) {
	rows := make(map[string][]schema.Record, len(snap.Rows))
	inSnapshot := make(map[string]bool)
	for table, recs := range snap.Rows {
		rows[table] = recs
		for _, rec := range recs {
			inSnapshot[rejectKey(table, recordID(rec))] = true
		}
	}
	retried := make(map[string]bool)
	if !retain {
		return rows, retried, nil
	}

	var rejects []struct {
		TableName string `db:"table_name"`
		LocalID   int64  `db:"local_id"`
		Payload   string `db:"payload"`
	}
	if err := tx.SelectContext(ctx, &rejects, `SELECT table_name, local_id, payload FROM pull_rejects`); err != nil {
		return nil, nil, fmt.Errorf("failed to load pull rejects: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pull_rejects`); err != nil {
		return nil, nil, fmt.Errorf("failed to clear pull rejects: %w", classify(err))
	}

	for _, r := range rejects {
		key := rejectKey(r.TableName, r.LocalID)
		if inSnapshot[key] {
			continue
		}
		var rec schema.Record
		dec := json.NewDecoder(strings.NewReader(r.Payload))
		dec.UseNumber()
		if err := dec.Decode(&rec); err != nil {
			continue
		}
		// Rejected rows go first so later rows of the same table can
		// reference them.
		rows[r.TableName] = append([]schema.Record{rec}, rows[r.TableName]...)
		retried[key] = true
	}
	return rows, retried, nil
}

func reject(ctx context.Context, tx *sqlx.Tx, f RowFailure, rec schema.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode rejected row: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pull_rejects (table_name, local_id, payload, error, failed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, local_id) DO UPDATE
		SET payload = excluded.payload, error = excluded.error, failed_at = excluded.failed_at`,
		f.Table, f.LocalID, string(payload), f.Err.Error(), now())
	if err != nil {
		return fmt.Errorf("failed to record rejected row: %w", classify(err))
	}
	return nil
}

// PendingRejects returns the number of pulled rows waiting to be retried.
func (db *DB) PendingRejects(ctx context.Context) (int, error) {
	var n int
	if err := db.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM pull_rejects`); err != nil {
		return 0, fmt.Errorf("failed to count pull rejects: %w", err)
	}
	return n, nil
}

// ReconcileResult summarizes one acknowledgment pass.
type ReconcileResult struct {
	Acknowledged      int // rows marked clean
	Changed           int // acknowledged rows edited again since collection, left dirty
	TombstonesCleared int
}

// Reconcile records the remote's acknowledgments in one transaction.
//
// For each acknowledged row the server id is stored if the row has none yet
// and the dirty flag is cleared when the row's revision still matches the
// collected one. Acknowledged tombstones are removed. Rows that were not
// acknowledged stay dirty and are pushed again on the next cycle.
func (db *DB) Reconcile(ctx context.Context, ack *schema.Ack, revisions map[string]map[int64]int64) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	err := db.syncTx(ctx, func(tx *sqlx.Tx) error {
		for table, ids := range ack.Rows {
			t, ok := schema.Lookup(table)
			if !ok {
				continue
			}
			query := fmt.Sprintf(`
				UPDATE %s
				SET server_id = COALESCE(server_id, ?),
					is_dirty = CASE WHEN revision = ? THEN 0 ELSE is_dirty END
				WHERE id = ?
				RETURNING is_dirty`, t.Name)

			for _, m := range ids {
				rev, collected := revisions[t.Name][m.LocalID]
				if !collected {
					rev = -1
				}
				var serverID any
				if m.ServerID != "" {
					serverID = string(m.ServerID)
				}

				var dirty bool
				err := tx.QueryRowxContext(ctx, query, serverID, rev, m.LocalID).Scan(&dirty)
				if err != nil {
					if isNoRows(err) {
						continue
					}
					return fmt.Errorf("failed to acknowledge %s %d: %w", t.Name, m.LocalID, classify(err))
				}
				if dirty {
					result.Changed++
				} else {
					result.Acknowledged++
				}
			}
		}

		for _, d := range ack.Deletions {
			if !d.Success {
				continue
			}
			t, ok := schema.LookupWire(d.TableName)
			if !ok {
				continue
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM sync_deletions WHERE table_name = ? AND local_id = ?`, t.Name, d.LocalID)
			if err != nil {
				return fmt.Errorf("failed to clear tombstone: %w", classify(err))
			}
			n, _ := res.RowsAffected()
			result.TombstonesCleared += int(n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}
	return result, nil
}
