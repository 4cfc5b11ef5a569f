// Package seed loads school data from a JSON snapshot into the local store.
//
// The snapshot has the shape of a pull payload (academicYears, classes,
// students, ...), optionally wrapped in {"success": true, "data": {...}}.
// Imported rows are new local rows: they get fresh ids, no server id, and
// are dirty, so the next sync cycle pushes them. References between rows
// are rewritten from the snapshot's localId values to the new ids.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// Options controls an import.
type Options struct {
	// FromFile is the path of the JSON snapshot.
	FromFile string

	// DryRun validates the snapshot and reports what would be created
	// without writing anything.
	DryRun bool

	Logger zerolog.Logger
}

// Result summarizes an import.
type Result struct {
	Created map[string]int // per SQL table
	Reused  int            // rows matched to existing rows (domains by name)
	Skipped int
	Errors  []string
}

// Total returns the number of rows created.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Created {
		n += c
	}
	return n
}

// Store is the part of the entity store used by the importer.
type Store interface {
	ListDomains(ctx context.Context) ([]schema.Domain, error)
	Import(ctx context.Context, fn func(im *db.Importer) error) error
}

// FromFile reads a snapshot file.
func FromFile(path string) (*schema.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Parse(data)
}

// Parse decodes a snapshot, bare or wrapped in a pull response envelope.
func Parse(data []byte) (*schema.Snapshot, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		data = envelope.Data
	}

	var snap schema.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if snap.Count() == 0 {
		return nil, fmt.Errorf("snapshot has no rows")
	}
	return &snap, nil
}

// Import creates the rows of snap in the store, parents before children.
// A row whose parent could not be created is skipped and reported in
// Result.Errors. The import is one transaction; with DryRun it is rolled
// back after the counts are taken.
func Import(ctx context.Context, store Store, snap *schema.Snapshot, opts Options) (*Result, error) {
	log := opts.Logger.With().Str("component", "seed").Logger()

	domains, err := store.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	domainByName := make(map[string]int64, len(domains))
	for _, d := range domains {
		domainByName[strings.ToLower(d.Name)] = d.ID
	}

	var result *Result
	err = store.Import(ctx, func(im *db.Importer) error {
		result = &Result{Created: make(map[string]int)}
		// ids[table][snapshot localId] = new local id
		ids := make(map[string]map[int64]int64, len(schema.Tables))

		for _, t := range schema.Tables {
			ids[t.Name] = make(map[int64]int64)
			for _, rec := range snap.Rows[t.Name] {
				row, err := t.FromWire(rec)
				if err != nil {
					result.Skipped++
					result.Errors = append(result.Errors, err.Error())
					continue
				}

				if t.Name == "domains" {
					if id, ok := domainByName[strings.ToLower(fmt.Sprint(value(t, row, "name")))]; ok {
						ids[t.Name][row.LocalID] = id
						result.Reused++
						continue
					}
				}

				if err := remap(t, row, ids); err != nil {
					result.Skipped++
					result.Errors = append(result.Errors, err.Error())
					continue
				}

				id, err := im.Insert(t, row.Values)
				if err != nil {
					result.Skipped++
					result.Errors = append(result.Errors, fmt.Sprintf("%s %d: %v", t.Name, row.LocalID, err))
					continue
				}
				ids[t.Name][row.LocalID] = id
				result.Created[t.Name]++
			}
		}

		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return nil, err
	}

	log.Info().
		Int("created", result.Total()).
		Int("reused", result.Reused).
		Int("skipped", result.Skipped).
		Bool("dry_run", opts.DryRun).
		Msg("snapshot imported")
	return result, nil
}

var errDryRun = errors.New("dry run")

// remap rewrites the foreign keys of row to the ids created by this import.
func remap(t *schema.Table, row *schema.Row, ids map[string]map[int64]int64) error {
	for i, c := range t.Columns {
		parent := c.Ref
		if t.Name == "notes" && c.Name == "target_id" {
			parent = schema.NoteTargets[fmt.Sprint(value(t, row, "target_type"))]
		}
		if parent == "" || row.Values[i] == nil {
			continue
		}
		old, ok := row.Values[i].(int64)
		if !ok {
			return fmt.Errorf("%s %d: %s is not an id", t.Name, row.LocalID, c.Wire)
		}
		id, ok := ids[parent][old]
		if !ok {
			return fmt.Errorf("%s %d: %s %d not in snapshot", t.Name, row.LocalID, parent, old)
		}
		row.Values[i] = id
	}
	return nil
}

func value(t *schema.Table, row *schema.Row, column string) any {
	for i, c := range t.Columns {
		if c.Name == column {
			return row.Values[i]
		}
	}
	return nil
}
