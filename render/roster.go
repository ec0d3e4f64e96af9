package render

import (
	"bytes"
	"fmt"
	"sort"

	"school-records-server/models"
)

// Group is a set of students sharing one class label.
type Group struct {
	Label    string                 `json:"label"`
	Students []models.StudentRecord `json:"students"`
}

// Roster is the printable list of active students per class.
type Roster struct {
	School string  `json:"school"`
	Groups []Group `json:"groups"`
}

// GroupStudents groups students under their class label. Labels are sorted
// plainly and students by name, as the student list shows them.
func GroupStudents(database *models.Database, students []models.StudentRecord) []Group {
	groups := groupByClass(database, students)
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return collect(groups, labels)
}

// BuildRoster groups the active students for printing. Labels use the
// letter-first natural order of the printed lists.
func BuildRoster(database *models.Database) Roster {
	active := make([]models.StudentRecord, 0, len(database.Students))
	for _, s := range database.Students {
		if s.IsActive() {
			active = append(active, s)
		}
	}

	groups := groupByClass(database, active)
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	SortGroupLabels(labels)

	return Roster{
		School: database.Metadata.School,
		Groups: collect(groups, labels),
	}
}

func groupByClass(database *models.Database, students []models.StudentRecord) map[string][]models.StudentRecord {
	index := database.ClassIndex()
	groups := make(map[string][]models.StudentRecord)
	for _, s := range students {
		label := models.ResolveClass(index, s.ClassGroupID).Label()
		groups[label] = append(groups[label], s)
	}
	return groups
}

func collect(groups map[string][]models.StudentRecord, labels []string) []Group {
	out := make([]Group, 0, len(labels))
	for _, label := range labels {
		students := groups[label]
		SortStudentsByName(students)
		out = append(out, Group{Label: label, Students: students})
	}
	return out
}

type rosterPage struct {
	Heading string
	Roster  Roster
}

// RosterHTML renders the roster as a printable page.
func RosterHTML(roster Roster) ([]byte, error) {
	page := rosterPage{Heading: roster.School, Roster: roster}
	if page.Heading == "" {
		if len(roster.Groups) == 0 {
			page.Heading = "Lista de Alunos"
		} else {
			page.Heading = "Lista de Alunos Ativos"
		}
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "roster.html.tmpl", page); err != nil {
		return nil, fmt.Errorf("failed to render roster: %w", err)
	}
	return buf.Bytes(), nil
}
