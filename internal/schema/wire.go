package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is one row as exchanged with the remote authority, keyed by wire
// field names.
type Record map[string]any

// RemoteID is a server-assigned identifier. The remote may encode it as a
// JSON string or number; it is always stored as text.
type RemoteID string

// UnmarshalJSON accepts both string and numeric identifiers.
func (id *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid remote id %s: %w", data, err)
	}
	*id = RemoteID(n.String())
	return nil
}

// SchoolInfo is the identity of the school a device is linked to.
type SchoolInfo struct {
	ID    string `json:"id" toml:"school_id" yaml:"id"`
	Name  string `json:"name" toml:"name" yaml:"name"`
	City  string `json:"city" toml:"city" yaml:"city"`
	POBox string `json:"pobox" toml:"pobox" yaml:"pobox"`
}

// Tombstone records the deletion of a row the remote already knows about.
type Tombstone struct {
	ID        int64  `db:"id" json:"-"`
	TableName string `db:"table_name" json:"tableName"`
	ServerID  string `db:"server_id" json:"serverId"`
	LocalID   int64  `db:"local_id" json:"localId"`
	DeletedAt string `db:"deleted_at" json:"deletedAt"`
}

// RemoteDeletion is a deletion announced by the remote during a pull.
type RemoteDeletion struct {
	TableName string   `json:"tableName"`
	LocalID   int64    `json:"localId"`
	ServerID  RemoteID `json:"serverId,omitempty"`
}

// Snapshot is the authoritative state returned by a pull, grouped by SQL
// table name.
type Snapshot struct {
	Rows      map[string][]Record
	Deletions []RemoteDeletion
	School    *SchoolInfo
}

// Count returns the number of rows in the snapshot.
func (s *Snapshot) Count() int {
	n := 0
	for _, rows := range s.Rows {
		n += len(rows)
	}
	return n
}

// UnmarshalJSON decodes the pull payload. Numbers are kept as json.Number so
// integer identifiers survive without float rounding.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Rows = make(map[string][]Record)
	for key, value := range raw {
		switch key {
		case "deletions":
			if err := json.Unmarshal(value, &s.Deletions); err != nil {
				return fmt.Errorf("invalid deletions: %w", err)
			}
			continue
		case "school", "schoolInfo":
			var info SchoolInfo
			if err := json.Unmarshal(value, &info); err != nil {
				return fmt.Errorf("invalid school info: %w", err)
			}
			s.School = &info
			continue
		}

		t, ok := LookupWire(key)
		if !ok {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var rows []Record
		if err := dec.Decode(&rows); err != nil {
			return fmt.Errorf("invalid %s rows: %w", key, err)
		}
		s.Rows[t.Name] = append(s.Rows[t.Name], rows...)
	}
	return nil
}

// MarshalJSON encodes the snapshot with wire table names.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(Tables)+2)
	for _, t := range Tables {
		rows := s.Rows[t.Name]
		if rows == nil {
			rows = []Record{}
		}
		out[t.Wire] = rows
	}
	if len(s.Deletions) > 0 {
		out["deletions"] = s.Deletions
	}
	if s.School != nil {
		out["school"] = s.School
	}
	return json.Marshal(out)
}

// Batch is the set of local changes sent in one push, grouped by SQL table
// name.
type Batch struct {
	Rows      map[string][]Record
	Deletions []Tombstone
}

// Empty reports whether the batch carries no change at all.
func (b *Batch) Empty() bool {
	return b.Count() == 0 && len(b.Deletions) == 0
}

// Count returns the number of rows in the batch, tombstones excluded.
func (b *Batch) Count() int {
	n := 0
	for _, rows := range b.Rows {
		n += len(rows)
	}
	return n
}

// MarshalJSON encodes every table under its wire name, empty tables included.
func (b Batch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(Tables)+1)
	for _, t := range Tables {
		rows := b.Rows[t.Name]
		if rows == nil {
			rows = []Record{}
		}
		out[t.Wire] = rows
	}
	deletions := b.Deletions
	if deletions == nil {
		deletions = []Tombstone{}
	}
	out["deletions"] = deletions
	return json.Marshal(out)
}

// IDMapping acknowledges one pushed row.
type IDMapping struct {
	LocalID  int64    `json:"localId"`
	ServerID RemoteID `json:"serverId"`
}

// DeletionAck acknowledges one pushed tombstone.
type DeletionAck struct {
	TableName string `json:"tableName"`
	LocalID   int64  `json:"localId"`
	Success   bool   `json:"success"`
}

// Ack is the remote's answer to a push, grouped by SQL table name.
type Ack struct {
	Rows      map[string][]IDMapping
	Deletions []DeletionAck
}

// Count returns the number of acknowledged rows.
func (a *Ack) Count() int {
	n := 0
	for _, rows := range a.Rows {
		n += len(rows)
	}
	return n
}

// UnmarshalJSON decodes the push results object. Deletion acknowledgments may
// be nested in it under "deletions".
func (a *Ack) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Rows = make(map[string][]IDMapping)
	for key, value := range raw {
		if key == "deletions" {
			if err := json.Unmarshal(value, &a.Deletions); err != nil {
				return fmt.Errorf("invalid deletion results: %w", err)
			}
			continue
		}
		t, ok := LookupWire(key)
		if !ok {
			continue
		}
		var ids []IDMapping
		if err := json.Unmarshal(value, &ids); err != nil {
			return fmt.Errorf("invalid %s results: %w", key, err)
		}
		a.Rows[t.Name] = append(a.Rows[t.Name], ids...)
	}
	return nil
}

// ToWire converts a stored row, keyed by column name, to its wire form.
// Parent server ids are read from "<column>:server" keys when present.
func (t *Table) ToWire(row map[string]any) Record {
	rec := Record{
		"localId":        asInt(row["id"]),
		"serverId":       asText(row["server_id"]),
		"lastModifiedAt": asText(row["last_modified_at"]),
	}
	for _, c := range t.Columns {
		v := row[c.Name]
		switch c.Kind {
		case KindBool:
			rec[c.Wire] = asInt(v) == int64(1)
		case KindText:
			rec[c.Wire] = asText(v)
		default:
			rec[c.Wire] = v
		}
		if c.Ref != "" {
			rec[c.ServerWire()] = asText(row[c.Name+":server"])
		}
	}
	return rec
}

// Row is a pulled record converted to column values.
type Row struct {
	LocalID        int64
	ServerID       *string
	LastModifiedAt *string
	Values         []any // in Columns order
}

// FromWire converts a pulled record to column values, checking types.
func (t *Table) FromWire(rec Record) (*Row, error) {
	localID, err := toInt(rec["localId"])
	if err != nil || localID == nil {
		return nil, fmt.Errorf("%s: record without a valid localId", t.Name)
	}

	row := &Row{LocalID: *localID, Values: make([]any, len(t.Columns))}
	for _, key := range []string{"serverId", "id"} {
		if id := asText(rec[key]); id != nil {
			row.ServerID = id
			break
		}
	}
	row.LastModifiedAt = asText(rec["lastModifiedAt"])

	for i, c := range t.Columns {
		v, present := rec[c.Wire]
		if !present || v == nil {
			if c.Nullable {
				row.Values[i] = nil
				continue
			}
			if c.Ref != "" {
				return nil, fmt.Errorf("%s %d: missing %s", t.Name, row.LocalID, c.Wire)
			}
		}
		converted, err := convert(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s %d: field %s: %w", t.Name, row.LocalID, c.Wire, err)
		}
		row.Values[i] = converted
	}
	return row, nil
}

func convert(c Column, v any) (any, error) {
	switch c.Kind {
	case KindInt:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return int64(0), nil
		}
		return *n, nil
	case KindReal:
		return toFloat(v)
	case KindBool:
		switch b := v.(type) {
		case nil:
			return int64(0), nil
		case bool:
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			if b == "true" || b == "1" {
				return int64(1), nil
			}
			return int64(0), nil
		}
		n, err := toInt(v)
		if err != nil || n == nil {
			return nil, fmt.Errorf("expected boolean, got %v", v)
		}
		if *n != 0 {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		if s := asText(v); s != nil {
			return *s, nil
		}
		return "", nil
	}
}

func toInt(v any) (*int64, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		n = x
	case int:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("expected integer, got %v", x)
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", x)
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", x)
		}
		n = i
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
	return &n, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func asInt(v any) any {
	n, err := toInt(v)
	if err != nil || n == nil {
		return v
	}
	return *n
}

func asText(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return &x
	case []byte:
		s := string(x)
		return &s
	case json.Number:
		s := x.String()
		return &s
	case RemoteID:
		if x == "" {
			return nil
		}
		s := string(x)
		return &s
	default:
		s := fmt.Sprint(x)
		return &s
	}
}
