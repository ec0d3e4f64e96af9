package render

import (
	"sort"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"school-records-server/models"
)

// Collators keep internal buffers, so each sort gets its own.

func nameCollator() *collate.Collator {
	return collate.New(language.BrazilianPortuguese)
}

func naturalCollator() *collate.Collator {
	return collate.New(language.BrazilianPortuguese, collate.Numeric)
}

// SortStudentsByName orders students alphabetically using Portuguese rules.
func SortStudentsByName(students []models.StudentRecord) {
	c := nameCollator()
	sort.SliceStable(students, func(i, j int) bool {
		return c.CompareString(students[i].Name, students[j].Name) < 0
	})
}

// SortClasses orders classes by their "NAME-SHIFT" text.
func SortClasses(classes []models.ClassGroup) {
	c := nameCollator()
	sort.SliceStable(classes, func(i, j int) bool {
		a := classes[i].Name + "-" + classes[i].Shift
		b := classes[j].Name + "-" + classes[j].Shift
		return c.CompareString(a, b) < 0
	})
}

// SortGroupLabels puts labels starting with a letter before labels starting
// with a digit, then compares digits by numeric value ("2º ANO" < "10º ANO").
func SortGroupLabels(labels []string) {
	c := naturalCollator()
	sort.SliceStable(labels, func(i, j int) bool {
		a, b := labels[i], labels[j]
		ad, bd := startsWithDigit(a), startsWithDigit(b)
		if ad != bd {
			return bd
		}
		return c.CompareString(a, b) < 0
	})
}

func startsWithDigit(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r != utf8.RuneError && unicode.IsDigit(r)
}
