// Package normalize upgrades persisted record blobs of any era to the current
// Database schema.
//
// The pass works on the generic JSON value (maps and slices) so it can read
// shapes the typed models no longer describe. Each step is gated on its own
// trigger, which makes the pass idempotent: a canonical Database goes through
// untouched.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"school-records-server/models"
)

// Report records which migration steps ran during one pass.
type Report struct {
	WrappedLegacyArray bool     `json:"wrappedLegacyArray"`
	FieldsRenamed      int      `json:"fieldsRenamed"`
	ClassIDsAssigned   int      `json:"classIdsAssigned"`
	TeachersSplit      int      `json:"teachersSplit"`
	StudentsRelinked   int      `json:"studentsRelinked"`
	StudentsUnmatched  int      `json:"studentsUnmatched"`
	ClassLinksCleared  int      `json:"classLinksCleared"`
	StudentIDsAssigned int      `json:"studentIdsAssigned"` // set by AssignStudentIDs
	Warnings           []string `json:"warnings,omitempty"`
}

// Changed reports whether at least one step modified the data.
func (r Report) Changed() bool {
	return r.WrappedLegacyArray ||
		r.FieldsRenamed > 0 ||
		r.ClassIDsAssigned > 0 ||
		r.TeachersSplit > 0 ||
		r.StudentsRelinked > 0 ||
		r.StudentsUnmatched > 0 ||
		r.ClassLinksCleared > 0 ||
		r.StudentIDsAssigned > 0
}

// Normalizer runs the migration pass. The zero value is not usable, use New.
type Normalizer struct {
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIDGenerator replaces the id source, mostly for deterministic tests.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		if fn != nil {
			n.newID = fn
		}
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{newID: uuid.NewString}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts raw into a canonical Database using a default Normalizer.
func Normalize(raw any) (*models.Database, Report) {
	return New().Normalize(raw)
}

// NormalizeJSON parses data and normalizes it using a default Normalizer.
func NormalizeJSON(data []byte) (*models.Database, Report, error) {
	return New().NormalizeJSON(data)
}

// NormalizeJSON parses data and normalizes the result. Unlike Normalize it
// reports parse failures, which the import path needs to refuse bad files.
func (n *Normalizer) NormalizeJSON(data []byte) (*models.Database, Report, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Report{}, fmt.Errorf("invalid JSON: %w", err)
	}
	db, report := n.Normalize(raw)
	return db, report, nil
}

// Normalize converts raw into a canonical Database. It never fails: input it
// cannot recognize yields an empty Database with default metadata. Maps inside
// raw are modified in place.
func (n *Normalizer) Normalize(raw any) (*models.Database, Report) {
	var report Report

	root, wrapped := adopt(raw)
	report.WrappedLegacyArray = wrapped

	metadata, ok := root["metadata"].(map[string]any)
	if !ok {
		metadata = defaultMetadata()
		root["metadata"] = metadata
	}
	report.FieldsRenamed += renameKeys(metadata, metadataAliases)

	classes := objects(metadata["classes"])
	students := objects(root["alunos"])
	for _, c := range classes {
		report.FieldsRenamed += renameKeys(c, classAliases)
	}
	for _, s := range students {
		report.FieldsRenamed += renameKeys(s, studentAliases)
	}

	report.ClassIDsAssigned = n.backfillIDs(classes)
	report.TeachersSplit = splitTeachers(classes)
	report.StudentsRelinked, report.StudentsUnmatched = relinkStudents(classes, students)
	report.ClassLinksCleared = clearDanglingLinks(classes, students)

	db, warnings := decode(metadata, classes, students)
	report.Warnings = warnings
	return db, report
}

// adopt recognizes the top-level shape and returns the root object.
func adopt(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case []any:
		return map[string]any{"metadata": defaultMetadata(), "alunos": v}, true
	case map[string]any:
		if _, ok := v["alunos"]; ok {
			return v, false
		}
	case []byte:
		return adoptBytes(v)
	case json.RawMessage:
		return adoptBytes(v)
	case models.Database:
		return adoptTyped(&v)
	case *models.Database:
		if v != nil {
			return adoptTyped(v)
		}
	}
	return emptyRoot(), false
}

func adoptBytes(data []byte) (map[string]any, bool) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return emptyRoot(), false
	}
	return adopt(raw)
}

func adoptTyped(db *models.Database) (map[string]any, bool) {
	data, err := json.Marshal(db)
	if err != nil {
		return emptyRoot(), false
	}
	return adoptBytes(data)
}

func emptyRoot() map[string]any {
	return map[string]any{"metadata": defaultMetadata(), "alunos": []any{}}
}

func defaultMetadata() map[string]any {
	m := models.DefaultMetadata()
	return map[string]any{
		"school":   m.School,
		"location": m.Location,
		"contact":  m.Contact,
		"classes":  []any{},
	}
}

// objects keeps the elements of a JSON array that are objects.
func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// AssignStudentIDs gives a fresh id to every student that has none or repeats
// an id seen earlier, so each record can be addressed by id. Normalize leaves
// student ids as they came; callers that persist the result run this after it.
func (n *Normalizer) AssignStudentIDs(db *models.Database, report *Report) {
	taken := make(map[string]bool, len(db.Students))
	for _, s := range db.Students {
		if s.ID != "" {
			taken[s.ID] = true
		}
	}
	seen := make(map[string]bool, len(db.Students))
	for i := range db.Students {
		id := db.Students[i].ID
		if id == "" || seen[id] {
			id = n.freshID(taken)
			db.Students[i].ID = id
			report.StudentIDsAssigned++
		}
		seen[id] = true
	}
}
