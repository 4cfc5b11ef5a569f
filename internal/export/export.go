// Package export writes class grade sheets as XLSX workbooks.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// SummarySheet is the first sheet of every workbook.
const SummarySheet = "Resume"

const maxSheetName = 31

var periodLabels = map[schema.Period]string{
	schema.PeriodP1:    "P1",
	schema.PeriodP2:    "P2",
	schema.PeriodExam1: "EX1",
	schema.PeriodP3:    "P3",
	schema.PeriodP4:    "P4",
	schema.PeriodExam2: "EX2",
}

type gradeKey struct {
	student int64
	subject int64
	period  schema.Period
}

// Write renders the roster as a workbook: a summary sheet with each
// student's total over all subjects, then one sheet per subject with the
// grade of every period. Missing grades are left blank.
func Write(w io.Writer, roster *db.Roster) error {
	f, err := build(roster)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// ToFile writes the workbook to path.
func ToFile(path string, roster *db.Roster) error {
	f, err := build(roster)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func build(roster *db.Roster) (*excelize.File, error) {
	grades := make(map[gradeKey]float64, len(roster.Grades))
	for _, g := range roster.Grades {
		grades[gradeKey{g.StudentID, g.SubjectID, g.Period}] = g.Value
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		f.Close()
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := writeSummary(f, roster, grades, bold); err != nil {
		f.Close()
		return nil, err
	}

	used := map[string]bool{SummarySheet: true}
	for _, subject := range roster.Subjects {
		name := sheetName(subject, used)
		used[name] = true
		if err := writeSubject(f, name, roster, subject, grades, bold); err != nil {
			f.Close()
			return nil, fmt.Errorf("subject %s: %w", subject.Name, err)
		}
	}
	return f, nil
}

func writeSummary(f *excelize.File, roster *db.Roster, grades map[gradeKey]float64, bold int) error {
	title := roster.Class.Name
	if roster.Class.Section != nil && *roster.Class.Section != "" {
		title += " " + *roster.Class.Section
	}
	if err := f.SetCellValue(SummarySheet, "A1", title); err != nil {
		return err
	}
	if err := f.SetSheetRow(SummarySheet, "A3", &[]any{"N°", "Nom", "Postnom", "Prenom", "Sexe", "Total", "Maximum", "%"}); err != nil {
		return err
	}
	if err := f.SetCellStyle(SummarySheet, "A1", "H3", bold); err != nil {
		return err
	}

	var maximum float64
	for _, subject := range roster.Subjects {
		for _, p := range schema.Periods {
			maximum += subject.MaxFor(p)
		}
	}

	for i, s := range roster.Students {
		var total float64
		for _, subject := range roster.Subjects {
			for _, p := range schema.Periods {
				total += grades[gradeKey{s.ID, subject.ID, p}]
			}
		}
		percent := 0.0
		if maximum > 0 {
			percent = total * 100 / maximum
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+4)
		row := []any{i + 1, s.LastName, deref(s.PostName), s.FirstName, s.Gender, total, maximum, round1(percent)}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SummarySheet, "B", "D", 18)
}

func writeSubject(f *excelize.File, sheet string, roster *db.Roster, subject schema.Subject, grades map[gradeKey]float64, bold int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := []any{"N°", "Nom", "Prenom"}
	maxima := []any{"", "Maximum", ""}
	for _, p := range schema.Periods {
		header = append(header, periodLabels[p])
		maxima = append(maxima, subject.MaxFor(p))
	}
	header = append(header, "Total")
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A2", &maxima); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 2)
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		return err
	}

	for i, s := range roster.Students {
		row := []any{i + 1, s.LastName, s.FirstName}
		var total float64
		for _, p := range schema.Periods {
			v, ok := grades[gradeKey{s.ID, subject.ID, p}]
			if !ok {
				row = append(row, nil)
				continue
			}
			total += v
			row = append(row, v)
		}
		row = append(row, total)
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "B", "C", 18)
}

// sheetName derives a unique, valid sheet name from the subject code or name.
func sheetName(s schema.Subject, used map[string]bool) string {
	base := s.Code
	if strings.TrimSpace(base) == "" {
		base = s.Name
	}
	base = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '-'
		}
		return r
	}, strings.TrimSpace(base))
	if base == "" {
		base = fmt.Sprintf("Cours %d", s.ID)
	}
	base = truncate(base, maxSheetName)

	name := base
	for n := 2; used[name]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncate(base, maxSheetName-len(suffix)) + suffix
	}
	return name
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
