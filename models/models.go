package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Student status values as stored by the front-end.
const (
	StatusActive      = "Ativo"
	StatusTransferred = "Transferido"
	StatusInactive    = "Inativo"
)

// Placeholders used wherever a lookup misses.
const (
	NotInformed     = "Não informado"
	UnassignedClass = "Sem Turma"
)

// Database is the whole persisted application state.
type Database struct {
	Metadata Metadata        `json:"metadata" mapstructure:"metadata"`
	Students []StudentRecord `json:"alunos" mapstructure:"alunos"`
}

// Metadata holds school information, the class list and display settings.
type Metadata struct {
	School   string          `json:"school" mapstructure:"school"`
	Location string          `json:"location" mapstructure:"location"`
	Contact  string          `json:"contact" mapstructure:"contact"`
	City     string          `json:"city" mapstructure:"city"`
	Manager  string          `json:"manager" mapstructure:"manager"` // signs declarations
	INEP     string          `json:"inep" mapstructure:"inep"`
	Classes  []ClassGroup    `json:"classes" mapstructure:"classes"`
	Settings DisplaySettings `json:"settings" mapstructure:"settings"`
}

// DisplaySettings are the front-end theme choices.
type DisplaySettings struct {
	ThemeMode string `json:"themeMode" mapstructure:"themeMode"`
	Palette   string `json:"palette" mapstructure:"palette"`
}

// ClassGroup represents a class (turma) in a given shift.
type ClassGroup struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name" binding:"required"`
	Shift    string `json:"shift" mapstructure:"shift" binding:"required"`
	Teacher1 string `json:"teacher1" mapstructure:"teacher1"`
	Teacher2 string `json:"teacher2" mapstructure:"teacher2"`
}

// Label is the "NAME - SHIFT" form used to group and print students.
func (c ClassGroup) Label() string {
	return fmt.Sprintf("%s - %s", c.Name, c.Shift)
}

// StudentRecord represents one student.
type StudentRecord struct {
	ID             string   `json:"id" mapstructure:"id"`
	Name           string   `json:"name" mapstructure:"name"`
	CPF            string   `json:"cpf,omitempty" mapstructure:"cpf"`
	Status         string   `json:"status" mapstructure:"status"`
	ClassGroupID   string   `json:"classGroupId,omitempty" mapstructure:"classGroupId"` // weak reference into Metadata.Classes
	Birthdate      string   `json:"birthdate" mapstructure:"birthdate"`
	Sex            string   `json:"sex" mapstructure:"sex"`
	MotherName     string   `json:"motherName" mapstructure:"motherName"`
	FatherName     string   `json:"fatherName" mapstructure:"fatherName"`
	Phones         []string `json:"phones" mapstructure:"phones"`
	Address        string   `json:"address" mapstructure:"address"`
	Race           string   `json:"race" mapstructure:"race"`
	Notes          string   `json:"notes" mapstructure:"notes"`
	EnrollmentDate string   `json:"enrollmentDate" mapstructure:"enrollmentDate"`
	TransferDate   string   `json:"transferDate" mapstructure:"transferDate"`

	// Keys this version does not know about, kept so an upgrade never drops data.
	Extra map[string]any `json:"-" mapstructure:",remain"`
}

// EffectiveStatus treats a missing status as active.
func (s StudentRecord) EffectiveStatus() string {
	if s.Status == "" {
		return StatusActive
	}
	return s.Status
}

// IsActive reports whether the student counts as enrolled.
func (s StudentRecord) IsActive() bool {
	return s.EffectiveStatus() == StatusActive
}

// PhoneList joins the phones for display, or returns the placeholder.
func (s StudentRecord) PhoneList() string {
	if len(s.Phones) == 0 {
		return NotInformed
	}
	return strings.Join(s.Phones, ", ")
}

// MarshalJSON writes the known fields and then any preserved unknown keys.
func (s StudentRecord) MarshalJSON() ([]byte, error) {
	type plain StudentRecord
	data, err := json.Marshal(plain(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// NewDatabase returns an empty database with default metadata.
func NewDatabase() *Database {
	return &Database{
		Metadata: DefaultMetadata(),
		Students: []StudentRecord{},
	}
}

// DefaultMetadata is the metadata of a freshly created school.
func DefaultMetadata() Metadata {
	return Metadata{
		School:  "Nova Escola",
		Classes: []ClassGroup{},
	}
}

// ClassIndex maps class ids to class groups for lookups.
func (d *Database) ClassIndex() map[string]ClassGroup {
	index := make(map[string]ClassGroup, len(d.Metadata.Classes))
	for _, c := range d.Metadata.Classes {
		index[c.ID] = c
	}
	return index
}

// ResolveClass looks up a class id, falling back to the unassigned placeholder.
func ResolveClass(index map[string]ClassGroup, classGroupID string) ClassGroup {
	if c, ok := index[classGroupID]; ok && classGroupID != "" {
		return c
	}
	return ClassGroup{Name: UnassignedClass}
}

// Dashboard is the summary shown on the home panel.
type Dashboard struct {
	Total   int          `json:"total"`
	Active  int          `json:"active"`
	ByClass []ClassCount `json:"byClass"`
}

// ClassCount is the number of students in one class label.
type ClassCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
