package db

import (
	"context"
	"testing"

	"github.com/schoolab/ecole/internal/schema"
)

func TestCapture_UpdateMarksDirty(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	student := f.students[0]
	markClean(t, db, "students", student.ID, "srv-s1")
	if dirtyFlag(t, db, "students", student.ID) {
		t.Fatal("student should be clean after acknowledgment")
	}

	before, _ := db.GetStudent(ctx, student.ID)
	conduite := "TB"
	before.Conduite = &conduite
	if err := db.UpdateStudent(ctx, before); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}

	after, err := db.GetStudent(ctx, student.ID)
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	if !after.IsDirty {
		t.Error("updated student should be dirty")
	}
	if after.Revision <= student.Revision {
		t.Errorf("revision should increase: %d -> %d", student.Revision, after.Revision)
	}
	if after.ServerID == nil || *after.ServerID != "srv-s1" {
		t.Errorf("server id must survive local edits, got %v", after.ServerID)
	}
}

func TestCapture_RawUpdateMarksDirty(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)

	markClean(t, db, "classes", f.class.ID, "srv-c1")

	// A write path that knows nothing about sync metadata.
	if _, err := db.conn.Exec(`UPDATE classes SET section = 'B' WHERE id = ?`, f.class.ID); err != nil {
		t.Fatalf("raw update failed: %v", err)
	}
	if !dirtyFlag(t, db, "classes", f.class.ID) {
		t.Error("raw update should mark the class dirty")
	}
}

func TestCapture_DeleteWithServerIDWritesOneTombstone(t *testing.T) {
	db := openTestDB(t)
	f := seedFixture(t, db)
	ctx := context.Background()

	synced := f.students[0]
	local := f.students[1]
	markClean(t, db, "students", synced.ID, "srv-s1")

	if err := db.Delete(ctx, "students", synced.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := db.Delete(ctx, "students", local.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	tombstones, err := db.Tombstones(ctx)
	if err != nil {
		t.Fatalf("Tombstones() failed: %v", err)
	}
	if len(tombstones) != 1 {
		t.Fatalf("expected exactly 1 tombstone, got %d: %+v", len(tombstones), tombstones)
	}
	ts := tombstones[0]
	if ts.TableName != "students" || ts.ServerID != "srv-s1" || ts.LocalID != synced.ID {
		t.Errorf("unexpected tombstone: %+v", ts)
	}
}

func TestCapture_SyncWritesAreNotCaptured(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	snap := &schema.Snapshot{Rows: map[string][]schema.Record{
		"academic_years": {{"localId": int64(10), "serverId": "srv-y10", "name": "2030-2031", "isCurrent": false}},
	}}
	if _, err := db.ApplySnapshot(ctx, snap, ApplyOptions{}); err != nil {
		t.Fatalf("ApplySnapshot() failed: %v", err)
	}
	if dirtyFlag(t, db, "academic_years", 10) {
		t.Error("pulled row must not be dirty")
	}

	var suspended int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM capture_suspension`).Scan(&suspended); err != nil {
		t.Fatalf("failed to read capture_suspension: %v", err)
	}
	if suspended != 0 {
		t.Error("capture suspension leaked past the sync transaction")
	}

	// Capture is active again for ordinary writes.
	if _, err := db.conn.Exec(`UPDATE academic_years SET name = '2030/2031' WHERE id = 10`); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !dirtyFlag(t, db, "academic_years", 10) {
		t.Error("local edit after a pull should be dirty")
	}
}
