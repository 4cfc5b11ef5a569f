package schema

import (
	"strings"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindReal
	KindBool
)

// Column describes one domain column of a syncable table.
type Column struct {
	Name     string // SQL column name
	Wire     string // field name on the remote protocol
	Kind     Kind
	Nullable bool
	Ref      string // parent table for foreign keys, empty otherwise
}

// ServerWire is the wire field carrying the parent's server id for a
// foreign key column (classLocalId -> classServerId).
func (c Column) ServerWire() string {
	return strings.TrimSuffix(c.Wire, "LocalId") + "ServerId"
}

// Table describes a syncable table: its SQL name, its name on the remote
// protocol, and its domain columns in declaration order.
type Table struct {
	Name    string
	Wire    string
	Columns []Column

	// Key lists the columns of the table's natural key, unique besides id.
	Key []string
}

// MetaColumns are the sync bookkeeping columns present on every syncable table.
var MetaColumns = []string{"id", "server_id", "is_dirty", "revision", "created_at", "updated_at", "last_modified_at"}

// ColumnNames returns the domain column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SelectList returns every column of the table, qualified with alias when
// alias is not empty.
func (t *Table) SelectList(alias string) string {
	cols := append(append([]string{}, MetaColumns...), t.ColumnNames()...)
	if alias != "" {
		for i, c := range cols {
			cols[i] = alias + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

// References returns the foreign key columns of the table.
func (t *Table) References() []Column {
	var refs []Column
	for _, c := range t.Columns {
		if c.Ref != "" {
			refs = append(refs, c)
		}
	}
	return refs
}

// KeyValues returns the values of the natural key columns of row.
func (t *Table) KeyValues(row *Row) []any {
	vals := make([]any, 0, len(t.Key))
	for _, k := range t.Key {
		for i, c := range t.Columns {
			if c.Name == k {
				vals = append(vals, row.Values[i])
			}
		}
	}
	return vals
}

// Column returns the column with the given SQL name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func text(name, wire string) Column { return Column{Name: name, Wire: wire, Kind: KindText} }
func optText(name, wire string) Column {
	return Column{Name: name, Wire: wire, Kind: KindText, Nullable: true}
}
func num(name, wire string) Column { return Column{Name: name, Wire: wire, Kind: KindReal} }
func boolean(name, wire string) Column { return Column{Name: name, Wire: wire, Kind: KindBool} }
func ref(name, wire, parent string) Column {
	return Column{Name: name, Wire: wire, Kind: KindInt, Ref: parent}
}
func optRef(name, wire, parent string) Column {
	return Column{Name: name, Wire: wire, Kind: KindInt, Ref: parent, Nullable: true}
}

// Tables lists the syncable tables in dependency order: every table appears
// after the tables it references. Pull application and push collection both
// walk this list.
var Tables = []*Table{
	{
		Name: "academic_years", Wire: "academicYears",
		Columns: []Column{
			text("name", "name"),
			optText("start_date", "startDate"),
			optText("end_date", "endDate"),
			boolean("is_active", "isCurrent"),
		},
	},
	{
		Name: "classes", Wire: "classes",
		Columns: []Column{
			text("name", "name"),
			text("level", "level"),
			optText("option", "option"),
			optText("section", "section"),
			optRef("academic_year_id", "academicYearLocalId", "academic_years"),
		},
	},
	{
		Name: "domains", Wire: "domains",
		Columns: []Column{
			text("name", "name"),
			{Name: "display_order", Wire: "displayOrder", Kind: KindInt},
		},
		Key: []string{"name"},
	},
	{
		Name: "students", Wire: "students",
		Columns: []Column{
			text("first_name", "firstName"),
			text("last_name", "lastName"),
			optText("post_name", "postName"),
			text("gender", "gender"),
			optText("birth_date", "birthDate"),
			optText("birthplace", "birthplace"),
			optText("conduite", "conduite"),
			optText("conduite_p1", "conduiteP1"),
			optText("conduite_p2", "conduiteP2"),
			optText("conduite_p3", "conduiteP3"),
			optText("conduite_p4", "conduiteP4"),
			boolean("is_abandoned", "isAbandoned"),
			optText("abandon_reason", "abandonReason"),
			ref("class_id", "classLocalId", "classes"),
		},
		Key: []string{"first_name", "last_name", "class_id"},
	},
	{
		Name: "subjects", Wire: "subjects",
		Columns: []Column{
			text("name", "name"),
			text("code", "code"),
			num("max_p1", "maxP1"),
			num("max_p2", "maxP2"),
			num("max_exam1", "maxExam1"),
			num("max_p3", "maxP3"),
			num("max_p4", "maxP4"),
			num("max_exam2", "maxExam2"),
			text("category", "category"),
			optText("sub_domain", "subDomain"),
			optRef("domain_id", "domainLocalId", "domains"),
			ref("class_id", "classLocalId", "classes"),
		},
	},
	{
		Name: "grades", Wire: "grades",
		Columns: []Column{
			ref("student_id", "studentLocalId", "students"),
			ref("subject_id", "subjectLocalId", "subjects"),
			text("period", "period"),
			num("value", "points"),
		},
		Key: []string{"student_id", "subject_id", "period"},
	},
	{
		Name: "repechages", Wire: "repechages",
		Columns: []Column{
			ref("student_id", "studentLocalId", "students"),
			ref("subject_id", "subjectLocalId", "subjects"),
			num("value", "value"),
			num("percentage", "percentage"),
		},
		Key: []string{"student_id", "subject_id"},
	},
	{
		Name: "notes", Wire: "notes",
		Columns: []Column{
			text("title", "title"),
			text("content", "content"),
			text("target_type", "targetType"),
			{Name: "target_id", Wire: "targetId", Kind: KindInt, Nullable: true},
			optRef("academic_year_id", "academicYearLocalId", "academic_years"),
		},
	},
}

// NoteTargets maps a note's target_type to the table its target_id points at.
var NoteTargets = map[string]string{
	"student": "students",
	"class":   "classes",
	"subject": "subjects",
}

// Lookup returns the syncable table with the given SQL name.
func Lookup(name string) (*Table, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// LookupWire returns the syncable table with the given protocol name.
// SQL names are accepted too.
func LookupWire(wire string) (*Table, bool) {
	for _, t := range Tables {
		if t.Wire == wire || t.Name == wire {
			return t, true
		}
	}
	return nil, false
}
