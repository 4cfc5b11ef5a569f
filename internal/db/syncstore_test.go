package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/schoolab/ecole/internal/schema"
)

// pulledSnapshot returns a snapshot as decoded from a pull response.
func pulledSnapshot(t *testing.T, payload string) *schema.Snapshot {
	t.Helper()
	var snap schema.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		t.Fatalf("invalid snapshot payload: %v", err)
	}
	return &snap
}

const pullPayload = `{
	"academicYears": [{"localId": 1, "serverId": "y1", "name": "2025-2026", "isCurrent": true, "lastModifiedAt": "2026-01-05T08:00:00.000Z"}],
	"classes": [{"localId": 1, "serverId": "c1", "name": "6eme A", "level": "6", "academicYearLocalId": 1, "lastModifiedAt": "2026-01-05T08:00:00.000Z"}],
	"students": [
		{"localId": 1, "serverId": "s1", "firstName": "Amani", "lastName": "Kabila", "gender": "F", "classLocalId": 1, "lastModifiedAt": "2026-01-05T08:00:00.000Z"},
		{"localId": 2, "serverId": "s2", "firstName": "Neema", "lastName": "Mukeba", "gender": "F", "classLocalId": 1, "lastModifiedAt": "2026-01-05T08:00:00.000Z"}
	],
	"subjects": [{"localId": 1, "serverId": "m1", "name": "Mathematiques", "maxP1": 20, "classLocalId": 1, "lastModifiedAt": "2026-01-05T08:00:00.000Z"}],
	"grades": [{"localId": 1, "serverId": "g1", "studentLocalId": 1, "subjectLocalId": 1, "period": "P1", "points": 15, "lastModifiedAt": "2026-01-05T08:00:00.000Z"}]
}`

// dumpTables returns the full content of every syncable table.
func dumpTables(t *testing.T, db *DB) map[string][]map[string]any {
	t.Helper()
	out := make(map[string][]map[string]any)
	for _, table := range schema.Tables {
		rows, err := db.x.Queryx(fmt.Sprintf(`SELECT * FROM %s ORDER BY id`, table.Name))
		if err != nil {
			t.Fatalf("failed to dump %s: %v", table.Name, err)
		}
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				t.Fatalf("failed to scan %s: %v", table.Name, err)
			}
			out[table.Name] = append(out[table.Name], row)
		}
		rows.Close()
	}
	return out
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.ApplySnapshot(ctx, pulledSnapshot(t, pullPayload), ApplyOptions{})
	if err != nil {
		t.Fatalf("first ApplySnapshot() failed: %v", err)
	}
	if first.Applied != 6 || len(first.Failures) != 0 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	once := dumpTables(t, db)

	if _, err := db.ApplySnapshot(ctx, pulledSnapshot(t, pullPayload), ApplyOptions{}); err != nil {
		t.Fatalf("second ApplySnapshot() failed: %v", err)
	}
	twice := dumpTables(t, db)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("store state changed on re-apply:\nonce:  %v\ntwice: %v", once, twice)
	}

	status, err := db.SyncStatus(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SyncStatus() failed: %v", err)
	}
	// Seeded default domains are the only local changes.
	if status.DirtyCount != len(defaultDomains) {
		t.Errorf("pulled rows should be clean, dirty count = %d", status.DirtyCount)
	}
}

func TestApplySnapshot_KeepsDirtyLocalRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ApplySnapshot(ctx, pulledSnapshot(t, pullPayload), ApplyOptions{}); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if _, err := db.conn.Exec(`UPDATE students SET conduite = 'B' WHERE id = 1`); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}

	result, err := db.ApplySnapshot(ctx, pulledSnapshot(t, pullPayload), ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if result.Kept != 1 {
		t.Errorf("expected 1 kept row, got %d", result.Kept)
	}

	s, err := db.GetStudent(ctx, 1)
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	if s.Conduite == nil || *s.Conduite != "B" || !s.IsDirty {
		t.Errorf("local edit was overwritten: %+v", s)
	}
}

func TestApplySnapshot_RowFailuresAreSkipped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	snap := pulledSnapshot(t, `{
		"classes": [{"localId": 1, "serverId": "c1", "name": "6eme A", "level": "6"}],
		"students": [
			{"localId": 1, "serverId": "s1", "firstName": "A", "lastName": "B", "gender": "F", "classLocalId": 1},
			{"localId": 2, "serverId": "s2", "firstName": "C", "lastName": "D", "gender": "F", "classLocalId": 77}
		]
	}`)
	result, err := db.ApplySnapshot(ctx, snap, ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("expected 2 applied rows, got %d", result.Applied)
	}
	if len(result.Failures) != 1 || result.Failures[0].LocalID != 2 {
		t.Errorf("expected failure for student 2, got %+v", result.Failures)
	}
}

func TestApplySnapshot_RetainsAndRetriesRejects(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	orphan := pulledSnapshot(t, `{
		"students": [{"localId": 5, "serverId": "s5", "firstName": "A", "lastName": "B", "gender": "M", "classLocalId": 3}]
	}`)
	result, err := db.ApplySnapshot(ctx, orphan, ApplyOptions{RetainRejects: true})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", result)
	}
	if n, _ := db.PendingRejects(ctx); n != 1 {
		t.Fatalf("expected 1 pending reject, got %d", n)
	}

	parent := pulledSnapshot(t, `{"classes": [{"localId": 3, "serverId": "c3", "name": "5eme", "level": "5"}]}`)
	result, err = db.ApplySnapshot(ctx, parent, ApplyOptions{RetainRejects: true})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("expected the rejected student to be retried, got %+v", result)
	}
	if n, _ := db.PendingRejects(ctx); n != 0 {
		t.Errorf("expected no pending rejects, got %d", n)
	}
	if _, err := db.GetStudent(ctx, 5); err != nil {
		t.Errorf("retried student missing: %v", err)
	}
}

func TestApplySnapshot_RemoteDeletions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ApplySnapshot(ctx, pulledSnapshot(t, pullPayload), ApplyOptions{}); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	// Student 2 has a pending local edit and must survive the deletion.
	if _, err := db.conn.Exec(`UPDATE students SET conduite = 'A' WHERE id = 2`); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}

	snap := pulledSnapshot(t, `{"deletions": [
		{"tableName": "grades", "localId": 1},
		{"tableName": "students", "localId": 2}
	]}`)
	result, err := db.ApplySnapshot(ctx, snap, ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("expected 1 deleted row, got %d", result.Deleted)
	}
	if _, err := db.GetStudent(ctx, 2); err != nil {
		t.Errorf("dirty student was deleted: %v", err)
	}

	tombstones, _ := db.Tombstones(ctx)
	if len(tombstones) != 0 {
		t.Errorf("remote deletions must not create tombstones, got %+v", tombstones)
	}
}

func TestApplySnapshot_SchoolInfo(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	snap := pulledSnapshot(t, `{"school": {"name": "Institut Umoja", "city": "Goma", "pobox": "BP 12"}}`)
	if _, err := db.ApplySnapshot(ctx, snap, ApplyOptions{}); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	city, ok, err := db.Setting(ctx, SettingSchoolCity)
	if err != nil || !ok || city != "Goma" {
		t.Errorf("school city = %q (ok=%v, err=%v)", city, ok, err)
	}
}

func TestCollectOutbound(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	markClean(t, db, "classes", f.class.ID, "srv-c1")
	if _, err := db.UpsertGrade(ctx, schema.GradeUpdate{
		StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 14,
	}); err != nil {
		t.Fatalf("UpsertGrade() failed: %v", err)
	}

	out, err := db.CollectOutbound(ctx)
	if err != nil {
		t.Fatalf("CollectOutbound() failed: %v", err)
	}

	if len(out.Batch.Rows["classes"]) != 0 {
		t.Error("clean class should not be collected")
	}
	students := out.Batch.Rows["students"]
	if len(students) != 2 {
		t.Fatalf("expected 2 dirty students, got %d", len(students))
	}
	parent, ok := students[0]["classServerId"].(*string)
	if !ok || parent == nil || *parent != "srv-c1" {
		t.Errorf("classServerId = %v, want srv-c1", students[0]["classServerId"])
	}
	if students[0]["classLocalId"] != f.class.ID {
		t.Errorf("classLocalId = %v, want %d", students[0]["classLocalId"], f.class.ID)
	}
	if len(out.Batch.Rows["grades"]) != 1 {
		t.Errorf("expected 1 dirty grade, got %d", len(out.Batch.Rows["grades"]))
	}
	if _, ok := out.Revisions["grades"]; !ok {
		t.Error("revisions of collected grades missing")
	}
}

func TestReconcile_OnlyAcknowledgedRows(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	third := schema.Student{FirstName: "Baraka", LastName: "Lumbu", Gender: "M", ClassID: f.class.ID}
	if err := db.CreateStudent(ctx, &third); err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}

	out, err := db.CollectOutbound(ctx)
	if err != nil {
		t.Fatalf("CollectOutbound() failed: %v", err)
	}
	if len(out.Batch.Rows["students"]) != 3 {
		t.Fatalf("expected 3 dirty students, got %d", len(out.Batch.Rows["students"]))
	}

	ack := &schema.Ack{Rows: map[string][]schema.IDMapping{
		"students": {
			{LocalID: f.students[0].ID, ServerID: "srv-1"},
			{LocalID: f.students[1].ID, ServerID: "srv-2"},
		},
	}}
	result, err := db.Reconcile(ctx, ack, out.Revisions)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if result.Acknowledged != 2 {
		t.Errorf("expected 2 acknowledged rows, got %d", result.Acknowledged)
	}

	for i, s := range f.students {
		got, _ := db.GetStudent(ctx, s.ID)
		if got.IsDirty {
			t.Errorf("student %d should be clean", s.ID)
		}
		if got.ServerID == nil || *got.ServerID != fmt.Sprintf("srv-%d", i+1) {
			t.Errorf("student %d server id = %v", s.ID, got.ServerID)
		}
	}
	got, _ := db.GetStudent(ctx, third.ID)
	if !got.IsDirty || got.ServerID != nil {
		t.Errorf("unacknowledged student must stay dirty without server id: %+v", got.SyncMeta)
	}
}

func TestReconcile_EditDuringPushStaysDirty(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	out, err := db.CollectOutbound(ctx)
	if err != nil {
		t.Fatalf("CollectOutbound() failed: %v", err)
	}

	// Edit lands while the push is in flight.
	if _, err := db.conn.Exec(`UPDATE classes SET section = 'C' WHERE id = ?`, f.class.ID); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	ack := &schema.Ack{Rows: map[string][]schema.IDMapping{"classes": {{LocalID: f.class.ID, ServerID: "srv-c"}}}}
	result, err := db.Reconcile(ctx, ack, out.Revisions)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if result.Changed != 1 {
		t.Errorf("expected 1 changed row, got %+v", result)
	}

	c, _ := db.GetClass(ctx, f.class.ID)
	if !c.IsDirty {
		t.Error("class edited after collection must stay dirty")
	}
	if c.ServerID == nil || *c.ServerID != "srv-c" {
		t.Errorf("server id should still be recorded, got %v", c.ServerID)
	}
}

func TestReconcile_ServerIDNeverChanges(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	markClean(t, db, "classes", f.class.ID, "first")
	markClean(t, db, "classes", f.class.ID, "second")

	c, _ := db.GetClass(ctx, f.class.ID)
	if c.ServerID == nil || *c.ServerID != "first" {
		t.Errorf("server id changed: %v", c.ServerID)
	}
}

func TestReconcile_ClearsAcknowledgedTombstones(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	for i, s := range f.students {
		markClean(t, db, "students", s.ID, fmt.Sprintf("srv-%d", i))
		if err := db.Delete(ctx, "students", s.ID); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
	}

	ack := &schema.Ack{Deletions: []schema.DeletionAck{
		{TableName: "students", LocalID: f.students[0].ID, Success: true},
		{TableName: "students", LocalID: f.students[1].ID, Success: false},
	}}
	result, err := db.Reconcile(ctx, ack, nil)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if result.TombstonesCleared != 1 {
		t.Errorf("expected 1 cleared tombstone, got %d", result.TombstonesCleared)
	}

	remaining, _ := db.Tombstones(ctx)
	if len(remaining) != 1 || remaining[0].LocalID != f.students[1].ID {
		t.Errorf("unexpected remaining tombstones: %+v", remaining)
	}
}

func TestApplySnapshot_ReplacesCleanRowWithSameKey(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	id, err := db.UpsertGrade(ctx, schema.GradeUpdate{
		StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 5,
	})
	if err != nil {
		t.Fatalf("UpsertGrade() failed: %v", err)
	}
	markClean(t, db, "grades", id, "srv-g1")

	snap := pulledSnapshot(t, fmt.Sprintf(`{"grades": [
		{"localId": 101, "serverId": "srv-g1", "studentLocalId": %d, "subjectLocalId": %d, "period": "P1", "points": 9}
	]}`, f.students[0].ID, f.subjects[0].ID))
	result, err := db.ApplySnapshot(ctx, snap, ApplyOptions{RetainRejects: true})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if len(result.Failures) != 0 || result.Applied != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if n, _ := db.PendingRejects(ctx); n != 0 {
		t.Errorf("expected no pending rejects, got %d", n)
	}

	grades, err := db.ListGrades(ctx, f.class.ID)
	if err != nil {
		t.Fatalf("ListGrades() failed: %v", err)
	}
	if len(grades) != 1 {
		t.Fatalf("expected 1 grade, got %d", len(grades))
	}
	if grades[0].ID != 101 || grades[0].Value != 9 {
		t.Errorf("grade = id %d value %v, want the pulled row", grades[0].ID, grades[0].Value)
	}
	if dirtyFlag(t, db, "grades", 101) {
		t.Error("replaced grade should be clean")
	}
}

func TestApplySnapshot_DirtyRowWithSameKeyWins(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	id, err := db.UpsertGrade(ctx, schema.GradeUpdate{
		StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 5,
	})
	if err != nil {
		t.Fatalf("UpsertGrade() failed: %v", err)
	}

	snap := pulledSnapshot(t, fmt.Sprintf(`{"grades": [
		{"localId": 101, "studentLocalId": %d, "subjectLocalId": %d, "period": "P1", "points": 9}
	]}`, f.students[0].ID, f.subjects[0].ID))
	result, err := db.ApplySnapshot(ctx, snap, ApplyOptions{RetainRejects: true})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if result.Kept != 1 || len(result.Failures) != 0 {
		t.Errorf("expected the local grade to be kept, got %+v", result)
	}

	grades, _ := db.ListGrades(ctx, f.class.ID)
	if len(grades) != 1 || grades[0].ID != id || grades[0].Value != 5 {
		t.Errorf("local edit was overwritten: %+v", grades)
	}
}

func TestApplySnapshot_ReplacedStudentKeepsChildren(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()
	old := f.students[0]

	gradeID, err := db.UpsertGrade(ctx, schema.GradeUpdate{
		StudentID: old.ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 12,
	})
	if err != nil {
		t.Fatalf("UpsertGrade() failed: %v", err)
	}
	markClean(t, db, "students", old.ID, "srv-s1")
	markClean(t, db, "grades", gradeID, "srv-g1")

	snap := pulledSnapshot(t, fmt.Sprintf(`{"students": [
		{"localId": 50, "serverId": "srv-s1", "firstName": %q, "lastName": %q, "gender": "F", "conduite": "A", "classLocalId": %d}
	]}`, old.FirstName, old.LastName, f.class.ID))
	result, err := db.ApplySnapshot(ctx, snap, ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if len(result.Failures) != 0 || result.Applied != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := db.GetStudent(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("replaced student should be gone, got %v", err)
	}
	s, err := db.GetStudent(ctx, 50)
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	if s.FirstName != old.FirstName || s.Conduite == nil || *s.Conduite != "A" {
		t.Errorf("unexpected pulled student: %+v", s)
	}

	grades, _ := db.ListGrades(ctx, f.class.ID)
	if len(grades) != 1 || grades[0].StudentID != 50 {
		t.Errorf("grade should follow the pulled student: %+v", grades)
	}
	if tombstones, _ := db.Tombstones(ctx); len(tombstones) != 0 {
		t.Errorf("replacing a row must not create tombstones, got %+v", tombstones)
	}
}

func TestDirtyRows(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	markClean(t, db, "classes", f.class.ID, "srv-c1")
	markClean(t, db, "students", f.students[0].ID, "srv-s1")
	other := schema.Student{FirstName: "Baraka", LastName: "Ilunga", Gender: "M", ClassID: f.class.ID}
	if err := db.CreateStudent(ctx, &other); err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}

	rows, err := db.DirtyRows(ctx, "students")
	if err != nil {
		t.Fatalf("DirtyRows() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 dirty students, got %d", len(rows))
	}
	var names []string
	for _, r := range rows {
		if name, ok := r["firstName"].(*string); ok && name != nil {
			names = append(names, *name)
		}
		if r["classLocalId"] != f.class.ID {
			t.Errorf("classLocalId = %v, want %d", r["classLocalId"], f.class.ID)
		}
		if parent, ok := r["classServerId"].(*string); !ok || parent == nil || *parent != "srv-c1" {
			t.Errorf("classServerId = %v, want srv-c1", r["classServerId"])
		}
	}
	if want := []string{f.students[1].FirstName, "Baraka"}; !reflect.DeepEqual(names, want) {
		t.Errorf("dirty students = %v, want %v", names, want)
	}

	if _, err := db.DirtyRows(ctx, "teachers"); err == nil {
		t.Error("expected error for an unknown table")
	}
}
