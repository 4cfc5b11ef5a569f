package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

// Settings keys.
const (
	SettingSchoolID     = "school_id"
	SettingLicenseToken = "license_token"
	SettingSchoolName   = "school_name"
	SettingSchoolCity   = "school_city"
	SettingSchoolPOBox  = "school_pobox"
	SettingDeviceID     = "device_id"
	SettingLastSyncTime = "last_sync_time"
)

// Setting returns the value stored under key. ok is false when the key is
// absent.
func (db *DB) Setting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.x.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores a single setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	return db.SetSettings(ctx, map[string]string{key: value})
}

// SetSettings stores several settings in one transaction.
func (db *DB) SetSettings(ctx context.Context, values map[string]string) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for key, value := range values {
			if err := setSetting(ctx, tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSettings removes the given keys.
func (db *DB) DeleteSettings(ctx context.Context, keys ...string) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to delete setting %s: %w", key, classify(err))
			}
		}
		return nil
	})
}

func setSetting(ctx context.Context, e sqlx.ExecerContext, key, value string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, classify(err))
	}
	return nil
}

func setSchoolInfo(ctx context.Context, e sqlx.ExecerContext, info schema.SchoolInfo) error {
	values := map[string]string{
		SettingSchoolName:  info.Name,
		SettingSchoolCity:  info.City,
		SettingSchoolPOBox: info.POBox,
	}
	for key, value := range values {
		if value == "" {
			continue
		}
		if err := setSetting(ctx, e, key, value); err != nil {
			return err
		}
	}
	return nil
}

// ===== Sync history =====

// HistoryEntry is one recorded sync cycle.
type HistoryEntry struct {
	ID            int64          `db:"id" json:"id" yaml:"id"`
	Timestamp     string         `db:"timestamp" json:"timestamp" yaml:"timestamp"`
	Type          string         `db:"type" json:"type" yaml:"type"`
	Status        string         `db:"status" json:"status" yaml:"status"`
	RecordsSynced map[string]int `db:"-" json:"recordsSynced" yaml:"records_synced"`
	ErrorMessage  *string        `db:"error_message" json:"errorMessage,omitempty" yaml:"error_message,omitempty"`
	DurationMS    int64          `db:"duration_ms" json:"durationMs" yaml:"duration_ms"`

	// SyncedThrough is the remote's clock at pull time. When set it becomes
	// the last sync time instead of Timestamp.
	SyncedThrough string `db:"-" json:"-" yaml:"-"`

	RecordsJSON string `db:"records_synced" json:"-" yaml:"-"`
}

// AppendHistory records a finished sync cycle and, when it succeeded,
// the last sync time.
func (db *DB) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	records, err := json.Marshal(e.RecordsSynced)
	if err != nil {
		return fmt.Errorf("failed to encode synced records: %w", err)
	}
	if e.Timestamp == "" {
		e.Timestamp = now()
	}

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_history (timestamp, type, status, records_synced, error_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Timestamp, e.Type, e.Status, string(records), e.ErrorMessage, e.DurationMS)
		if err != nil {
			return fmt.Errorf("failed to record sync history: %w", classify(err))
		}
		e.ID, _ = res.LastInsertId()

		if e.Status == "success" {
			cursor := e.SyncedThrough
			if cursor == "" {
				cursor = e.Timestamp
			}
			return setSetting(ctx, tx, SettingLastSyncTime, cursor)
		}
		return nil
	})
}

// History returns sync cycles recorded at or after since, newest first.
// A zero since returns every entry. limit <= 0 means no limit.
func (db *DB) History(ctx context.Context, since time.Time, limit int) ([]HistoryEntry, error) {
	query := `SELECT id, timestamp, type, status, records_synced, error_message, duration_ms
		FROM sync_history WHERE timestamp >= ? ORDER BY timestamp DESC, id DESC`
	args := []any{""}
	if !since.IsZero() {
		args[0] = FormatTime(since)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	entries := []HistoryEntry{}
	if err := db.x.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	for i := range entries {
		entries[i].RecordsSynced = map[string]int{}
		_ = json.Unmarshal([]byte(entries[i].RecordsJSON), &entries[i].RecordsSynced)
	}
	return entries, nil
}

// ===== Status =====

// Status describes what is waiting to be synchronized.
type Status struct {
	DirtyCount     int            `json:"dirtyCount" yaml:"dirty_count"`
	DirtyByTable   map[string]int `json:"dirtyByTable" yaml:"dirty_by_table"`
	TombstoneCount int            `json:"tombstoneCount" yaml:"tombstone_count"`
	OldestChange   *time.Time     `json:"oldestChange,omitempty" yaml:"oldest_change,omitempty"`
	Overdue        bool           `json:"overdue" yaml:"overdue"`
	LastSyncTime   *time.Time     `json:"lastSyncTime,omitempty" yaml:"last_sync_time,omitempty"`
}

// SyncStatus counts dirty rows and tombstones. The store is overdue when a
// dirty row has been waiting longer than overdueAfter.
func (db *DB) SyncStatus(ctx context.Context, overdueAfter time.Duration) (*Status, error) {
	status := &Status{DirtyByTable: make(map[string]int)}

	var oldest string
	for _, t := range schema.Tables {
		var row struct {
			Count  int     `db:"n"`
			Oldest *string `db:"oldest"`
		}
		err := db.x.GetContext(ctx, &row, fmt.Sprintf(
			`SELECT COUNT(*) AS n, MIN(last_modified_at) AS oldest FROM %s WHERE is_dirty = 1`, t.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to count dirty %s: %w", t.Name, err)
		}
		if row.Count == 0 {
			continue
		}
		status.DirtyCount += row.Count
		status.DirtyByTable[t.Name] = row.Count
		if row.Oldest != nil && (oldest == "" || *row.Oldest < oldest) {
			oldest = *row.Oldest
		}
	}

	if err := db.x.GetContext(ctx, &status.TombstoneCount, `SELECT COUNT(*) FROM sync_deletions`); err != nil {
		return nil, fmt.Errorf("failed to count tombstones: %w", err)
	}

	if oldest != "" {
		if t, err := ParseTime(oldest); err == nil {
			status.OldestChange = &t
			status.Overdue = time.Since(t) > overdueAfter
		}
	}

	if value, ok, err := db.Setting(ctx, SettingLastSyncTime); err != nil {
		return nil, err
	} else if ok {
		if t, err := ParseTime(value); err == nil {
			status.LastSyncTime = &t
		}
	}
	return status, nil
}
