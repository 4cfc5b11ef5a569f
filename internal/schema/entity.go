// Package schema provides the data structures for school records and the
// registry of syncable tables shared by the store, the sync orchestrator
// and the remote client.
package schema

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate checks the struct tags of the grade family of records.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Period identifies a grading period within an academic year.
type Period string

const (
	PeriodP1    Period = "P1"
	PeriodP2    Period = "P2"
	PeriodExam1 Period = "EXAM1"
	PeriodP3    Period = "P3"
	PeriodP4    Period = "P4"
	PeriodExam2 Period = "EXAM2"
)

// Periods lists every grading period in calendar order.
var Periods = []Period{PeriodP1, PeriodP2, PeriodExam1, PeriodP3, PeriodP4, PeriodExam2}

// Valid reports whether p is a known grading period.
func (p Period) Valid() bool {
	for _, known := range Periods {
		if p == known {
			return true
		}
	}
	return false
}

// SyncMeta holds the bookkeeping columns every syncable row carries.
//
// ID is the local identifier and never changes. ServerID is assigned by the
// remote authority on the first acknowledged push and never changes after.
// IsDirty is true while the row has a change the remote has not acknowledged.
type SyncMeta struct {
	ID             int64   `db:"id" json:"id"`
	ServerID       *string `db:"server_id" json:"serverId,omitempty"`
	IsDirty        bool    `db:"is_dirty" json:"isDirty"`
	Revision       int64   `db:"revision" json:"-"`
	CreatedAt      string  `db:"created_at" json:"createdAt"`
	UpdatedAt      string  `db:"updated_at" json:"updatedAt"`
	LastModifiedAt string  `db:"last_modified_at" json:"lastModifiedAt"`
}

// AcademicYear is a school year. At most one year is active at a time.
type AcademicYear struct {
	SyncMeta
	Name      string  `db:"name" json:"name"`
	StartDate *string `db:"start_date" json:"startDate,omitempty"`
	EndDate   *string `db:"end_date" json:"endDate,omitempty"`
	IsActive  bool    `db:"is_active" json:"isActive"`
}

// Validate checks if the AcademicYear has valid field values.
func (y *AcademicYear) Validate() error {
	if strings.TrimSpace(y.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Class is a group of students within an academic year.
type Class struct {
	SyncMeta
	Name           string  `db:"name" json:"name"`
	Level          string  `db:"level" json:"level"`
	Option         *string `db:"option" json:"option,omitempty"`
	Section        *string `db:"section" json:"section,omitempty"`
	AcademicYearID *int64  `db:"academic_year_id" json:"academicYearId,omitempty"`
}

// Validate checks if the Class has valid field values.
func (c *Class) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(c.Level) == "" {
		return fmt.Errorf("level is required")
	}
	return nil
}

// Domain groups subjects on report cards.
type Domain struct {
	SyncMeta
	Name         string `db:"name" json:"name"`
	DisplayOrder int    `db:"display_order" json:"displayOrder"`
}

// Student belongs to exactly one class.
type Student struct {
	SyncMeta
	FirstName     string  `db:"first_name" json:"firstName"`
	LastName      string  `db:"last_name" json:"lastName"`
	PostName      *string `db:"post_name" json:"postName,omitempty"`
	Gender        string  `db:"gender" json:"gender"`
	BirthDate     *string `db:"birth_date" json:"birthDate,omitempty"`
	Birthplace    *string `db:"birthplace" json:"birthplace,omitempty"`
	Conduite      *string `db:"conduite" json:"conduite,omitempty"`
	ConduiteP1    *string `db:"conduite_p1" json:"conduiteP1,omitempty"`
	ConduiteP2    *string `db:"conduite_p2" json:"conduiteP2,omitempty"`
	ConduiteP3    *string `db:"conduite_p3" json:"conduiteP3,omitempty"`
	ConduiteP4    *string `db:"conduite_p4" json:"conduiteP4,omitempty"`
	IsAbandoned   bool    `db:"is_abandoned" json:"isAbandoned"`
	AbandonReason *string `db:"abandon_reason" json:"abandonReason,omitempty"`
	ClassID       int64   `db:"class_id" json:"classId"`
}

// Validate checks if the Student has valid field values.
func (s *Student) Validate() error {
	if strings.TrimSpace(s.FirstName) == "" {
		return fmt.Errorf("first name is required")
	}
	if strings.TrimSpace(s.LastName) == "" {
		return fmt.Errorf("last name is required")
	}
	if s.Gender != "M" && s.Gender != "F" {
		return fmt.Errorf("gender must be M or F (got %q)", s.Gender)
	}
	if s.ClassID <= 0 {
		return fmt.Errorf("class id is required")
	}
	return nil
}

// Subject is taught in one class, with a maximum score per period.
type Subject struct {
	SyncMeta
	Name      string  `db:"name" json:"name"`
	Code      string  `db:"code" json:"code"`
	MaxP1     float64 `db:"max_p1" json:"maxP1"`
	MaxP2     float64 `db:"max_p2" json:"maxP2"`
	MaxExam1  float64 `db:"max_exam1" json:"maxExam1"`
	MaxP3     float64 `db:"max_p3" json:"maxP3"`
	MaxP4     float64 `db:"max_p4" json:"maxP4"`
	MaxExam2  float64 `db:"max_exam2" json:"maxExam2"`
	Category  string  `db:"category" json:"category"`
	SubDomain *string `db:"sub_domain" json:"subDomain,omitempty"`
	DomainID  *int64  `db:"domain_id" json:"domainId,omitempty"`
	ClassID   int64   `db:"class_id" json:"classId"`
}

// Validate checks if the Subject has valid field values.
func (s *Subject) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if s.ClassID <= 0 {
		return fmt.Errorf("class id is required")
	}
	for _, max := range []float64{s.MaxP1, s.MaxP2, s.MaxExam1, s.MaxP3, s.MaxP4, s.MaxExam2} {
		if max < 0 {
			return fmt.Errorf("maximum scores cannot be negative")
		}
	}
	return nil
}

// MaxFor returns the maximum score of the subject for a period.
func (s *Subject) MaxFor(p Period) float64 {
	switch p {
	case PeriodP1:
		return s.MaxP1
	case PeriodP2:
		return s.MaxP2
	case PeriodExam1:
		return s.MaxExam1
	case PeriodP3:
		return s.MaxP3
	case PeriodP4:
		return s.MaxP4
	case PeriodExam2:
		return s.MaxExam2
	}
	return 0
}

// Grade is keyed by (student, subject, period); writes to an existing key
// replace the value in place.
type Grade struct {
	SyncMeta
	StudentID int64   `db:"student_id" json:"studentId" validate:"required,gt=0"`
	SubjectID int64   `db:"subject_id" json:"subjectId" validate:"required,gt=0"`
	Period    Period  `db:"period" json:"period" validate:"required,oneof=P1 P2 EXAM1 P3 P4 EXAM2"`
	Value     float64 `db:"value" json:"value" validate:"gte=0"`
}

// Validate checks the field tags of the Grade.
func (g *Grade) Validate() error {
	return validate.Struct(g)
}

// GradeUpdate is one grade write keyed by (student, subject, period).
type GradeUpdate struct {
	StudentID int64   `json:"studentId" validate:"required,gt=0"`
	SubjectID int64   `json:"subjectId" validate:"required,gt=0"`
	Period    Period  `json:"period" validate:"required,oneof=P1 P2 EXAM1 P3 P4 EXAM2"`
	Value     float64 `json:"value" validate:"gte=0"`
}

// Validate checks the field tags of the GradeUpdate.
func (u *GradeUpdate) Validate() error {
	return validate.Struct(u)
}

// Repechage is a remediation result, keyed by (student, subject).
type Repechage struct {
	SyncMeta
	StudentID  int64   `db:"student_id" json:"studentId" validate:"required,gt=0"`
	SubjectID  int64   `db:"subject_id" json:"subjectId" validate:"required,gt=0"`
	Value      float64 `db:"value" json:"value" validate:"gte=0"`
	Percentage float64 `db:"percentage" json:"percentage" validate:"gte=0,lte=100"`
}

// Validate checks the field tags of the Repechage.
func (r *Repechage) Validate() error {
	return validate.Struct(r)
}

// Note is a free-form annotation attached to any target within a year.
type Note struct {
	SyncMeta
	Title          string `db:"title" json:"title"`
	Content        string `db:"content" json:"content"`
	TargetType     string `db:"target_type" json:"targetType"`
	TargetID       *int64 `db:"target_id" json:"targetId,omitempty"`
	AcademicYearID *int64 `db:"academic_year_id" json:"academicYearId,omitempty"`
}

// Validate checks if the Note has valid field values.
func (n *Note) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if n.TargetType == "" {
		return fmt.Errorf("target type is required")
	}
	return nil
}
