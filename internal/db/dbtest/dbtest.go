// Package dbtest provides stores and fixtures for tests of packages built on
// the entity store.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// Open returns an initialized store in a temporary directory. It is closed
// when the test ends.
func Open(t testing.TB) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "ecole.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

// Fixture is one class of the active academic year.
type Fixture struct {
	Year     schema.AcademicYear
	Class    schema.Class
	Students []schema.Student
	Subjects []schema.Subject
}

// Seed creates an active year with one class holding the given number of
// students and subjects.
func Seed(t testing.TB, store *db.DB, students, subjects int) *Fixture {
	t.Helper()
	ctx := context.Background()
	f := &Fixture{}

	f.Year = schema.AcademicYear{Name: "2025-2026", IsActive: true}
	if err := store.CreateAcademicYear(ctx, &f.Year); err != nil {
		t.Fatalf("CreateAcademicYear() failed: %v", err)
	}
	f.Class = schema.Class{Name: "5eme B", Level: "5", AcademicYearID: &f.Year.ID}
	if err := store.CreateClass(ctx, &f.Class); err != nil {
		t.Fatalf("CreateClass() failed: %v", err)
	}

	genders := []string{"F", "M"}
	for i := range students {
		s := schema.Student{
			FirstName: fmt.Sprintf("Eleve%02d", i+1),
			LastName:  "Mutombo",
			Gender:    genders[i%2],
			ClassID:   f.Class.ID,
		}
		if err := store.CreateStudent(ctx, &s); err != nil {
			t.Fatalf("CreateStudent() failed: %v", err)
		}
		f.Students = append(f.Students, s)
	}
	for i := range subjects {
		s := schema.Subject{
			Name:     fmt.Sprintf("Cours %d", i+1),
			Code:     fmt.Sprintf("C%d", i+1),
			MaxP1:    10,
			MaxP2:    10,
			MaxExam1: 20,
			MaxP3:    10,
			MaxP4:    10,
			MaxExam2: 20,
			ClassID:  f.Class.ID,
		}
		if err := store.CreateSubject(ctx, &s); err != nil {
			t.Fatalf("CreateSubject() failed: %v", err)
		}
		f.Subjects = append(f.Subjects, s)
	}
	return f
}
