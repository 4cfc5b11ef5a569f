package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/schoolab/ecole/internal/schema"
)

// insert runs a named INSERT and returns the new row id.
func insert(ctx context.Context, e sqlx.ExtContext, query string, arg any) (int64, error) {
	res, err := sqlx.NamedExecContext(ctx, e, query, arg)
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// update runs a named UPDATE and reports ErrNotFound when no row matched.
func update(ctx context.Context, e sqlx.ExtContext, query string, arg any) error {
	res, err := sqlx.NamedExecContext(ctx, e, query, arg)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// get loads one row of a syncable table into dest.
func get(ctx context.Context, q sqlx.QueryerContext, table string, id int64, dest any) error {
	t, ok := schema.Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, t.SelectList(""), t.Name)
	if err := sqlx.GetContext(ctx, q, dest, query, id); err != nil {
		return classify(err)
	}
	return nil
}

func invalid(what string, err error) error {
	return fmt.Errorf("%w %s: %w", ErrInvalid, what, err)
}

// Delete removes a row from a syncable table. Child rows cascade.
// A tombstone is recorded for every deleted row that has a server id.
func (db *DB) Delete(ctx context.Context, table string, id int64) error {
	t, ok := schema.Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	res, err := db.x.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.Name), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.Name, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", t.Name, id, ErrNotFound)
	}
	return nil
}

// ===== Academic years =====

// CreateAcademicYear inserts a new academic year and fills in its metadata.
func (db *DB) CreateAcademicYear(ctx context.Context, y *schema.AcademicYear) error {
	if err := y.Validate(); err != nil {
		return invalid("academic year", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO academic_years (name, start_date, end_date, is_active)
		VALUES (:name, :start_date, :end_date, :is_active)`, y)
	if err != nil {
		return fmt.Errorf("failed to create academic year: %w", err)
	}
	return get(ctx, db.x, "academic_years", id, y)
}

// UpdateAcademicYear writes the editable fields of an academic year.
func (db *DB) UpdateAcademicYear(ctx context.Context, y *schema.AcademicYear) error {
	if err := y.Validate(); err != nil {
		return invalid("academic year", err)
	}
	err := update(ctx, db.x, `
		UPDATE academic_years
		SET name = :name, start_date = :start_date, end_date = :end_date
		WHERE id = :id`, y)
	if err != nil {
		return fmt.Errorf("failed to update academic year %d: %w", y.ID, err)
	}
	return get(ctx, db.x, "academic_years", y.ID, y)
}

// SetActiveAcademicYear flags one academic year as active and clears the
// flag on every other year.
func (db *DB) SetActiveAcademicYear(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE academic_years SET is_active = 0 WHERE is_active = 1 AND id != ?`, id); err != nil {
			return fmt.Errorf("failed to clear active academic year: %w", classify(err))
		}
		res, err := tx.ExecContext(ctx, `UPDATE academic_years SET is_active = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to activate academic year: %w", classify(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("academic year %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ActiveAcademicYear returns the academic year flagged active.
// Returns ErrNotFound when no year is active.
func (db *DB) ActiveAcademicYear(ctx context.Context) (*schema.AcademicYear, error) {
	t, _ := schema.Lookup("academic_years")
	var y schema.AcademicYear
	err := db.x.GetContext(ctx, &y, fmt.Sprintf(
		`SELECT %s FROM academic_years WHERE is_active = 1 ORDER BY id DESC LIMIT 1`, t.SelectList("")))
	if err != nil {
		return nil, classify(err)
	}
	return &y, nil
}

// ListAcademicYears returns every academic year, most recent first.
func (db *DB) ListAcademicYears(ctx context.Context) ([]schema.AcademicYear, error) {
	t, _ := schema.Lookup("academic_years")
	years := []schema.AcademicYear{}
	err := db.x.SelectContext(ctx, &years, fmt.Sprintf(
		`SELECT %s FROM academic_years ORDER BY start_date DESC, id DESC`, t.SelectList("")))
	if err != nil {
		return nil, fmt.Errorf("failed to list academic years: %w", err)
	}
	return years, nil
}

// ===== Classes =====

// CreateClass inserts a new class.
func (db *DB) CreateClass(ctx context.Context, c *schema.Class) error {
	if err := c.Validate(); err != nil {
		return invalid("class", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO classes (name, level, option, section, academic_year_id)
		VALUES (:name, :level, :option, :section, :academic_year_id)`, c)
	if err != nil {
		return fmt.Errorf("failed to create class: %w", err)
	}
	return get(ctx, db.x, "classes", id, c)
}

// UpdateClass writes the editable fields of a class.
func (db *DB) UpdateClass(ctx context.Context, c *schema.Class) error {
	if err := c.Validate(); err != nil {
		return invalid("class", err)
	}
	err := update(ctx, db.x, `
		UPDATE classes
		SET name = :name, level = :level, option = :option, section = :section,
			academic_year_id = :academic_year_id
		WHERE id = :id`, c)
	if err != nil {
		return fmt.Errorf("failed to update class %d: %w", c.ID, err)
	}
	return get(ctx, db.x, "classes", c.ID, c)
}

// GetClass returns a class by local id.
func (db *DB) GetClass(ctx context.Context, id int64) (*schema.Class, error) {
	var c schema.Class
	if err := get(ctx, db.x, "classes", id, &c); err != nil {
		return nil, fmt.Errorf("class %d: %w", id, err)
	}
	return &c, nil
}

// ListClasses returns every class ordered by level and name.
func (db *DB) ListClasses(ctx context.Context) ([]schema.Class, error) {
	t, _ := schema.Lookup("classes")
	classes := []schema.Class{}
	err := db.x.SelectContext(ctx, &classes, fmt.Sprintf(
		`SELECT %s FROM classes ORDER BY level, name`, t.SelectList("")))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	return classes, nil
}

// ListActiveClasses returns the classes of the active academic year, or
// every class when no year is active.
func (db *DB) ListActiveClasses(ctx context.Context) ([]schema.Class, error) {
	year, err := db.ActiveAcademicYear(ctx)
	if errors.Is(err, ErrNotFound) {
		return db.ListClasses(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active academic year: %w", err)
	}

	t, _ := schema.Lookup("classes")
	classes := []schema.Class{}
	err = db.x.SelectContext(ctx, &classes, fmt.Sprintf(
		`SELECT %s FROM classes WHERE academic_year_id = ? ORDER BY level, name`, t.SelectList("")), year.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	return classes, nil
}

// ===== Domains =====

// CreateDomain inserts a new domain. Domain names are unique.
func (db *DB) CreateDomain(ctx context.Context, d *schema.Domain) error {
	if d.Name == "" {
		return invalid("domain", errors.New("name is required"))
	}
	id, err := insert(ctx, db.x,
		`INSERT INTO domains (name, display_order) VALUES (:name, :display_order)`, d)
	if err != nil {
		return fmt.Errorf("failed to create domain: %w", err)
	}
	return get(ctx, db.x, "domains", id, d)
}

// ListDomains returns every domain in display order.
func (db *DB) ListDomains(ctx context.Context) ([]schema.Domain, error) {
	t, _ := schema.Lookup("domains")
	domains := []schema.Domain{}
	err := db.x.SelectContext(ctx, &domains, fmt.Sprintf(
		`SELECT %s FROM domains ORDER BY display_order, name`, t.SelectList("")))
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	return domains, nil
}

// ===== Students =====

const studentColumns = `first_name, last_name, post_name, gender, birth_date, birthplace,
	conduite, conduite_p1, conduite_p2, conduite_p3, conduite_p4,
	is_abandoned, abandon_reason, class_id`

// CreateStudent inserts a new student. A student with the same first and
// last name already in the class yields ErrConflict.
func (db *DB) CreateStudent(ctx context.Context, s *schema.Student) error {
	if err := s.Validate(); err != nil {
		return invalid("student", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO students (`+studentColumns+`)
		VALUES (:first_name, :last_name, :post_name, :gender, :birth_date, :birthplace,
			:conduite, :conduite_p1, :conduite_p2, :conduite_p3, :conduite_p4,
			:is_abandoned, :abandon_reason, :class_id)`, s)
	if err != nil {
		return fmt.Errorf("failed to create student: %w", err)
	}
	return get(ctx, db.x, "students", id, s)
}

// UpdateStudent writes the editable fields of a student.
func (db *DB) UpdateStudent(ctx context.Context, s *schema.Student) error {
	if err := s.Validate(); err != nil {
		return invalid("student", err)
	}
	err := update(ctx, db.x, `
		UPDATE students
		SET first_name = :first_name, last_name = :last_name, post_name = :post_name,
			gender = :gender, birth_date = :birth_date, birthplace = :birthplace,
			conduite = :conduite, conduite_p1 = :conduite_p1, conduite_p2 = :conduite_p2,
			conduite_p3 = :conduite_p3, conduite_p4 = :conduite_p4,
			is_abandoned = :is_abandoned, abandon_reason = :abandon_reason, class_id = :class_id
		WHERE id = :id`, s)
	if err != nil {
		return fmt.Errorf("failed to update student %d: %w", s.ID, err)
	}
	return get(ctx, db.x, "students", s.ID, s)
}

// GetStudent returns a student by local id.
func (db *DB) GetStudent(ctx context.Context, id int64) (*schema.Student, error) {
	var s schema.Student
	if err := get(ctx, db.x, "students", id, &s); err != nil {
		return nil, fmt.Errorf("student %d: %w", id, err)
	}
	return &s, nil
}

// ListStudents returns the students of a class ordered by name.
func (db *DB) ListStudents(ctx context.Context, classID int64) ([]schema.Student, error) {
	return listStudents(ctx, db.x, classID)
}

func listStudents(ctx context.Context, q sqlx.QueryerContext, classID int64) ([]schema.Student, error) {
	t, _ := schema.Lookup("students")
	students := []schema.Student{}
	err := sqlx.SelectContext(ctx, q, &students, fmt.Sprintf(
		`SELECT %s FROM students WHERE class_id = ? ORDER BY last_name, first_name`, t.SelectList("")), classID)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	return students, nil
}

// ===== Subjects =====

// CreateSubject inserts a new subject.
func (db *DB) CreateSubject(ctx context.Context, s *schema.Subject) error {
	if err := s.Validate(); err != nil {
		return invalid("subject", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO subjects (name, code, max_p1, max_p2, max_exam1, max_p3, max_p4, max_exam2,
			category, sub_domain, domain_id, class_id)
		VALUES (:name, :code, :max_p1, :max_p2, :max_exam1, :max_p3, :max_p4, :max_exam2,
			:category, :sub_domain, :domain_id, :class_id)`, s)
	if err != nil {
		return fmt.Errorf("failed to create subject: %w", err)
	}
	return get(ctx, db.x, "subjects", id, s)
}

// UpdateSubject writes the editable fields of a subject.
func (db *DB) UpdateSubject(ctx context.Context, s *schema.Subject) error {
	if err := s.Validate(); err != nil {
		return invalid("subject", err)
	}
	err := update(ctx, db.x, `
		UPDATE subjects
		SET name = :name, code = :code, max_p1 = :max_p1, max_p2 = :max_p2,
			max_exam1 = :max_exam1, max_p3 = :max_p3, max_p4 = :max_p4, max_exam2 = :max_exam2,
			category = :category, sub_domain = :sub_domain, domain_id = :domain_id, class_id = :class_id
		WHERE id = :id`, s)
	if err != nil {
		return fmt.Errorf("failed to update subject %d: %w", s.ID, err)
	}
	return get(ctx, db.x, "subjects", s.ID, s)
}

// ListSubjects returns the subjects of a class.
func (db *DB) ListSubjects(ctx context.Context, classID int64) ([]schema.Subject, error) {
	return listSubjects(ctx, db.x, classID)
}

func listSubjects(ctx context.Context, q sqlx.QueryerContext, classID int64) ([]schema.Subject, error) {
	t, _ := schema.Lookup("subjects")
	subjects := []schema.Subject{}
	err := sqlx.SelectContext(ctx, q, &subjects, fmt.Sprintf(
		`SELECT %s FROM subjects WHERE class_id = ? ORDER BY category, name`, t.SelectList("")), classID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	return subjects, nil
}

// ===== Repechages =====

// UpsertRepechage records the remediation result of a student in a subject,
// replacing any previous result in place.
func (db *DB) UpsertRepechage(ctx context.Context, r *schema.Repechage) error {
	if err := r.Validate(); err != nil {
		return invalid("repechage", err)
	}
	var id int64
	err := db.x.QueryRowxContext(ctx, `
		INSERT INTO repechages (student_id, subject_id, value, percentage)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (student_id, subject_id) DO UPDATE
		SET value = excluded.value, percentage = excluded.percentage, is_dirty = 1
		RETURNING id`, r.StudentID, r.SubjectID, r.Value, r.Percentage).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert repechage: %w", classify(err))
	}
	return get(ctx, db.x, "repechages", id, r)
}

// ===== Notes =====

// CreateNote inserts a new note.
func (db *DB) CreateNote(ctx context.Context, n *schema.Note) error {
	if err := n.Validate(); err != nil {
		return invalid("note", err)
	}
	id, err := insert(ctx, db.x, `
		INSERT INTO notes (title, content, target_type, target_id, academic_year_id)
		VALUES (:title, :content, :target_type, :target_id, :academic_year_id)`, n)
	if err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return get(ctx, db.x, "notes", id, n)
}

// UpdateNote writes the editable fields of a note.
func (db *DB) UpdateNote(ctx context.Context, n *schema.Note) error {
	if err := n.Validate(); err != nil {
		return invalid("note", err)
	}
	err := update(ctx, db.x, `
		UPDATE notes
		SET title = :title, content = :content, target_type = :target_type,
			target_id = :target_id, academic_year_id = :academic_year_id
		WHERE id = :id`, n)
	if err != nil {
		return fmt.Errorf("failed to update note %d: %w", n.ID, err)
	}
	return get(ctx, db.x, "notes", n.ID, n)
}

// ListNotes returns every note, newest first.
func (db *DB) ListNotes(ctx context.Context) ([]schema.Note, error) {
	t, _ := schema.Lookup("notes")
	notes := []schema.Note{}
	err := db.x.SelectContext(ctx, &notes, fmt.Sprintf(
		`SELECT %s FROM notes ORDER BY created_at DESC, id DESC`, t.SelectList("")))
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	return notes, nil
}
