package render

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"time"

	"school-records-server/models"
)

// ErrUnknownDeclaration is returned for a declaration kind with no template.
var ErrUnknownDeclaration = errors.New("unknown declaration type")

// DeclarationKind names a declaration template.
type DeclarationKind string

const (
	Enrollment DeclarationKind = "matricula"
	Transfer   DeclarationKind = "transferencia"
	Completion DeclarationKind = "conclusao"
)

type declarationInfo struct {
	Name  string
	Title string
}

var declarations = map[DeclarationKind]declarationInfo{
	Enrollment: {Name: "Declaração de Matrícula", Title: "DECLARAÇÃO DE MATRÍCULA"},
	Transfer:   {Name: "Declaração de Transferência", Title: "DECLARAÇÃO DE TRANSFERÊNCIA"},
	Completion: {Name: "Declaração de Conclusão", Title: "DECLARAÇÃO DE CONCLUSÃO"},
}

// DeclarationType is one entry of the declaration picker.
type DeclarationType struct {
	Kind DeclarationKind `json:"kind"`
	Name string          `json:"name"`
}

// DeclarationTypes lists the available declarations, sorted by kind.
func DeclarationTypes() []DeclarationType {
	out := make([]DeclarationType, 0, len(declarations))
	for kind, info := range declarations {
		out = append(out, DeclarationType{Kind: kind, Name: info.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

var monthNames = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// LongDate formats t as "05 de março de 2025".
func LongDate(t time.Time) string {
	return fmt.Sprintf("%02d de %s de %d", t.Day(), monthNames[t.Month()-1], t.Year())
}

// Documents renders declarations. The clock is injectable for tests.
type Documents struct {
	now func() time.Time
}

// NewDocuments creates a renderer using the given clock, or time.Now when nil.
func NewDocuments(now func() time.Time) *Documents {
	if now == nil {
		now = time.Now
	}
	return &Documents{now: now}
}

type bodyData struct {
	Name      string
	Mother    string
	Father    string
	Birthdate string
	School    string
	ClassName string
	Shift     string
	Year      int
}

type declarationPage struct {
	Title    string
	Body     template.HTML
	DateLine string
	Manager  string
}

// Declaration renders the declaration of the given kind for student.
// A student without a known class gets bracketed placeholders instead.
func (d *Documents) Declaration(kind DeclarationKind, database *models.Database, student models.StudentRecord) ([]byte, error) {
	info, ok := declarations[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeclaration, kind)
	}

	now := d.now()
	meta := database.Metadata
	class, found := database.ClassIndex()[student.ClassGroupID]
	if !found || student.ClassGroupID == "" {
		class = models.ClassGroup{Name: "[TURMA NÃO ENCONTRADA]", Shift: "[TURNO NÃO ENCONTRADO]"}
	}
	birthdate := student.Birthdate
	if birthdate == "" {
		birthdate = "__/__/____"
	}

	var body bytes.Buffer
	err := templates.ExecuteTemplate(&body, "body-"+string(kind), bodyData{
		Name:      student.Name,
		Mother:    student.MotherName,
		Father:    student.FatherName,
		Birthdate: birthdate,
		School:    meta.School,
		ClassName: class.Name,
		Shift:     class.Shift,
		Year:      now.Year(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render declaration body: %w", err)
	}

	dateLine := LongDate(now) + "."
	if meta.City != "" {
		dateLine = meta.City + ", " + dateLine
	}

	var page bytes.Buffer
	err = templates.ExecuteTemplate(&page, "declaration.html.tmpl", declarationPage{
		Title:    info.Title,
		Body:     template.HTML(body.String()), // already escaped by the body template
		DateLine: dateLine,
		Manager:  meta.Manager,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render declaration: %w", err)
	}
	return page.Bytes(), nil
}
