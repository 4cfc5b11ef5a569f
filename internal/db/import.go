package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

// Importer inserts rows as new local data inside an Import transaction.
type Importer struct {
	ctx context.Context
	tx  *sqlx.Tx
}

// Insert adds a row to t with values in t.Columns order and returns its new
// id. The row gets no server id and starts dirty, so the next push sends it.
func (im *Importer) Insert(t *schema.Table, values []any) (int64, error) {
	if len(values) != len(t.Columns) {
		return 0, fmt.Errorf("%s: got %d values for %d columns", t.Name, len(values), len(t.Columns))
	}
	cols := t.ColumnNames()
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		t.Name, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	res, err := im.tx.ExecContext(im.ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", t.Name, classify(err))
	}
	return res.LastInsertId()
}

// Import runs fn in one write transaction. Nothing is kept if fn fails.
func (db *DB) Import(ctx context.Context, fn func(im *Importer) error) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&Importer{ctx: ctx, tx: tx})
	})
}
