// Package spreadsheet reads student lists from and writes rosters to xlsx files.
package spreadsheet

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"school-records-server/models"
	"school-records-server/normalize"
	"school-records-server/render"
)

const defaultSheet = "Sheet1"

var rosterHeader = []interface{}{
	"#", "Nome do Aluno", "Nascimento", "Cor/Raça", "Nome da Mãe", "Nome do Pai", "Contato", "Endereço",
}

// ReadStudents reads students from the first sheet. Row 1 is a header; the
// columns are name, birthdate, mother, father and comma separated phones.
// Rows without a name are skipped and their 1-based numbers returned.
func ReadStudents(r io.Reader) ([]models.StudentRecord, []int, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, nil, errors.New("excel file does not contain any sheets")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get rows from sheet %s: %w", sheetName, err)
	}

	var students []models.StudentRecord
	var skipped []int
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		name := cell(row, 0)
		if name == "" {
			skipped = append(skipped, i+1)
			continue
		}
		students = append(students, models.StudentRecord{
			Name:       name,
			Status:     models.StatusActive,
			Birthdate:  cell(row, 1),
			MotherName: cell(row, 2),
			FatherName: cell(row, 3),
			Phones:     normalize.SplitList(cell(row, 4)),
		})
	}
	return students, skipped, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

// WriteRoster writes one sheet per roster group.
func WriteRoster(w io.Writer, roster render.Roster) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	groups := roster.Groups
	if len(groups) == 0 {
		groups = []render.Group{{Label: "Alunos"}}
	}

	used := make(map[string]bool, len(groups))
	for i, g := range groups {
		name := uniqueSheetName(g.Label, used)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				return fmt.Errorf("failed to name sheet %q: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %q: %w", name, err)
		}
		if err := writeGroup(f, name, g); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write excel file: %w", err)
	}
	return nil
}

func writeGroup(f *excelize.File, sheet string, g render.Group) error {
	if err := f.SetSheetRow(sheet, "A1", &rosterHeader); err != nil {
		return fmt.Errorf("failed to write header of %q: %w", sheet, err)
	}
	for i, s := range g.Students {
		row := []interface{}{
			i + 1,
			orNotInformed(s.Name),
			orNotInformed(s.Birthdate),
			orNotInformed(s.Race),
			orNotInformed(s.MotherName),
			orNotInformed(s.FatherName),
			s.PhoneList(),
			orNotInformed(s.Address),
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("failed to write row %d of %q: %w", i+2, sheet, err)
		}
	}
	if err := f.SetColWidth(sheet, "B", "H", 22); err != nil {
		return fmt.Errorf("failed to size columns of %q: %w", sheet, err)
	}
	return nil
}

func orNotInformed(s string) string {
	if s == "" {
		return models.NotInformed
	}
	return s
}

// uniqueSheetName turns a label into a valid sheet name not yet in used.
// Sheet names are compared case-insensitively by spreadsheet applications.
func uniqueSheetName(label string, used map[string]bool) string {
	base := strings.Map(func(r rune) rune {
		if strings.ContainsRune(":\\/?*[]", r) {
			return '-'
		}
		return r
	}, label)
	base = strings.Trim(base, " '")
	if base == "" {
		base = "Turma"
	}

	name := truncate(base, excelize.MaxSheetNameLength)
	for n := 2; used[strings.ToUpper(name)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncate(base, excelize.MaxSheetNameLength-len(suffix)) + suffix
	}
	used[strings.ToUpper(name)] = true
	return name
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
