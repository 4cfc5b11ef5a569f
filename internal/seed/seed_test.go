package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/db/dbtest"
)

const snapshotJSON = `{
	"success": true,
	"data": {
		"academicYears": [{"localId": 10, "serverId": "y-remote", "name": "2024-2025", "isCurrent": true}],
		"classes": [{"localId": 20, "name": "6eme A", "level": "6", "academicYearLocalId": 10}],
		"domains": [
			{"localId": 5, "name": "Sciences", "displayOrder": 1},
			{"localId": 6, "name": "Arts", "displayOrder": 9}
		],
		"students": [
			{"localId": 30, "firstName": "Amani", "lastName": "Kabila", "gender": "F", "isAbandoned": false, "classLocalId": 20},
			{"localId": 31, "firstName": "Baraka", "lastName": "Ilunga", "gender": "M", "isAbandoned": false, "classLocalId": 20}
		],
		"subjects": [
			{"localId": 40, "name": "Physique", "code": "PHY", "maxP1": 10, "maxP2": 10, "maxExam1": 20,
			 "maxP3": 10, "maxP4": 10, "maxExam2": 20, "category": "", "domainLocalId": 5, "classLocalId": 20},
			{"localId": 41, "name": "Dessin", "code": "DES", "maxP1": 10, "maxP2": 10, "maxExam1": 20,
			 "maxP3": 10, "maxP4": 10, "maxExam2": 20, "category": "", "domainLocalId": 6, "classLocalId": 20}
		],
		"grades": [
			{"localId": 50, "studentLocalId": 30, "subjectLocalId": 40, "period": "P1", "points": 8},
			{"localId": 51, "studentLocalId": 31, "subjectLocalId": 41, "period": "P2", "points": 7.5},
			{"localId": 52, "studentLocalId": 999, "subjectLocalId": 40, "period": "P1", "points": 3}
		],
		"notes": [
			{"localId": 60, "title": "Retard", "content": "Arrive en retard", "targetType": "student", "targetId": 31}
		]
	}
}`

func TestParse(t *testing.T) {
	snap, err := Parse([]byte(snapshotJSON))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if snap.Count() != 12 {
		t.Errorf("expected 12 rows, got %d", snap.Count())
	}

	if _, err := Parse([]byte(`{"data": {}}`)); err == nil {
		t.Error("expected error for an empty snapshot")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte(snapshotJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	snap, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile() failed: %v", err)
	}

	result, err := Import(ctx, store, snap, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	if result.Reused != 1 {
		t.Errorf("expected the Sciences domain to be reused, got %d reused", result.Reused)
	}
	if result.Skipped != 1 || len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "999") {
		t.Errorf("expected the orphan grade to be skipped, got %d skipped: %v", result.Skipped, result.Errors)
	}
	// 1 year, 1 class, 1 domain, 2 students, 2 subjects, 2 grades, 1 note
	if result.Total() != 10 {
		t.Errorf("expected 10 rows created, got %d (%v)", result.Total(), result.Created)
	}

	classes, err := store.ListClasses(ctx)
	if err != nil || len(classes) != 1 {
		t.Fatalf("ListClasses() = %v, %v", classes, err)
	}
	class := classes[0]
	if class.ServerID != nil {
		t.Errorf("imported class has server id %q", *class.ServerID)
	}

	students, err := store.ListStudents(ctx, class.ID)
	if err != nil || len(students) != 2 {
		t.Fatalf("ListStudents() = %v, %v", students, err)
	}
	grades, err := store.ListGrades(ctx, class.ID)
	if err != nil {
		t.Fatalf("ListGrades() failed: %v", err)
	}
	if len(grades) != 2 {
		t.Fatalf("expected 2 grades, got %d", len(grades))
	}
	for _, g := range grades {
		if g.StudentID != students[0].ID && g.StudentID != students[1].ID {
			t.Errorf("grade %d points at unknown student %d", g.ID, g.StudentID)
		}
	}

	notes, err := store.ListNotes(ctx)
	if err != nil || len(notes) != 1 {
		t.Fatalf("ListNotes() = %v, %v", notes, err)
	}
	var baraka int64
	for _, s := range students {
		if s.FirstName == "Baraka" {
			baraka = s.ID
		}
	}
	if notes[0].TargetID == nil || *notes[0].TargetID != baraka {
		t.Errorf("note target = %v, want student %d", notes[0].TargetID, baraka)
	}

	dirty, err := store.CountDirty(ctx)
	if err != nil {
		t.Fatalf("CountDirty() failed: %v", err)
	}
	if dirty < result.Total() {
		t.Errorf("expected every imported row to be dirty, got %d dirty for %d rows", dirty, result.Total())
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)

	snap, err := Parse([]byte(snapshotJSON))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	result, err := Import(ctx, store, snap, Options{DryRun: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Total() != 10 {
		t.Errorf("dry run reported %d rows, want 10", result.Total())
	}

	classes, err := store.ListClasses(ctx)
	if err != nil {
		t.Fatalf("ListClasses() failed: %v", err)
	}
	if len(classes) != 0 {
		t.Errorf("dry run wrote %d classes", len(classes))
	}
}
