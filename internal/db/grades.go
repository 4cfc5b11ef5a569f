package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

const upsertGradeSQL = `
	INSERT INTO grades (student_id, subject_id, period, value)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (student_id, subject_id, period) DO UPDATE
	SET value = excluded.value, is_dirty = 1
	RETURNING id`

// CreateGrade inserts a grade for a key that must not exist yet.
// An existing (student, subject, period) yields ErrConflict.
func (db *DB) CreateGrade(ctx context.Context, g *schema.Grade) error {
	if err := g.Validate(); err != nil {
		return invalid("grade", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO grades (student_id, subject_id, period, value)
		VALUES (:student_id, :subject_id, :period, :value)`, g)
	if err != nil {
		return fmt.Errorf("failed to create grade: %w", err)
	}
	return get(ctx, db.x, "grades", id, g)
}

// UpsertGrade writes one grade, replacing the value in place when the
// (student, subject, period) key exists. Returns the grade's local id.
func (db *DB) UpsertGrade(ctx context.Context, u schema.GradeUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, invalid("grade", err)
	}
	var id int64
	err := db.x.QueryRowxContext(ctx, upsertGradeSQL, u.StudentID, u.SubjectID, u.Period, u.Value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert grade: %w", classify(err))
	}
	return id, nil
}

// UpsertGrades applies a batch of grade writes in a single transaction.
//
// Either every update is committed or none is: the first failure rolls the
// whole batch back and is returned with the index of the failing update.
func (db *DB) UpsertGrades(ctx context.Context, updates []schema.GradeUpdate) error {
	for i := range updates {
		if err := updates[i].Validate(); err != nil {
			return fmt.Errorf("grade update %d: %w", i, invalid("grade", err))
		}
	}
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, upsertGradeSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare grade upsert: %w", classify(err))
		}
		defer stmt.Close()

		for i, u := range updates {
			var id int64
			if err := stmt.QueryRowxContext(ctx, u.StudentID, u.SubjectID, u.Period, u.Value).Scan(&id); err != nil {
				return fmt.Errorf("grade update %d (student %d, subject %d, %s): %w",
					i, u.StudentID, u.SubjectID, u.Period, classify(err))
			}
		}
		return nil
	})
}

// ListGrades returns every grade of the students of a class.
func (db *DB) ListGrades(ctx context.Context, classID int64) ([]schema.Grade, error) {
	return listGrades(ctx, db.x, classID)
}

func listGrades(ctx context.Context, q sqlx.QueryerContext, classID int64) ([]schema.Grade, error) {
	t, _ := schema.Lookup("grades")
	grades := []schema.Grade{}
	err := sqlx.SelectContext(ctx, q, &grades, fmt.Sprintf(`
		SELECT %s FROM grades g
		JOIN students s ON s.id = g.student_id
		WHERE s.class_id = ?
		ORDER BY g.student_id, g.subject_id, g.period`, t.SelectList("g")), classID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grades: %w", err)
	}
	return grades, nil
}

// Roster is everything needed to enter grades for one class.
type Roster struct {
	Class    schema.Class     `json:"class"`
	Students []schema.Student `json:"students"`
	Subjects []schema.Subject `json:"subjects"`
	Grades   []schema.Grade   `json:"grades"`
}

// ClassRoster loads a class with its students, subjects and grades from a
// single read transaction. Returns ErrNotFound for an unknown class.
func (db *DB) ClassRoster(ctx context.Context, classID int64) (*Roster, error) {
	tx, err := db.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	roster := &Roster{}
	if err := get(ctx, tx, "classes", classID, &roster.Class); err != nil {
		return nil, fmt.Errorf("class %d: %w", classID, err)
	}
	if roster.Students, err = listStudents(ctx, tx, classID); err != nil {
		return nil, err
	}
	if roster.Subjects, err = listSubjects(ctx, tx, classID); err != nil {
		return nil, err
	}
	if roster.Grades, err = listGrades(ctx, tx, classID); err != nil {
		return nil, err
	}
	return roster, nil
}
