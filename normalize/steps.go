package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Legacy field names of the browser era, mapped to their canonical keys.
var (
	metadataAliases = map[string]string{
		"escola":      "school",
		"localizacao": "location",
		"contato":     "contact",
		"cidade":      "city",
		"gestor":      "manager",
		"turmas":      "classes",
	}
	classAliases = map[string]string{
		"turma":     "name",
		"turno":     "shift",
		"professor": "teacher",
	}
	studentAliases = map[string]string{
		"nome":        "name",
		"turma_id":    "classGroupId",
		"turma":       "className",
		"turno":       "shift",
		"nascimento":  "birthdate",
		"sexo":        "sex",
		"mae":         "motherName",
		"pai":         "fatherName",
		"telefone":    "phones",
		"endereco":    "address",
		"cor":         "race",
		"observacoes": "notes",
	}
)

// Keys a student carries only before it was linked to a class by id.
const (
	legacyClassName = "className"
	legacyShift     = "shift"
	legacyTeacher   = "teacher"
)

// renameKeys moves legacy keys to their canonical names. A canonical key that
// is already present with a non-null value wins and the legacy value is dropped.
func renameKeys(obj map[string]any, aliases map[string]string) int {
	renamed := 0
	for legacy, canonical := range aliases {
		v, ok := obj[legacy]
		if !ok {
			continue
		}
		if cur, exists := obj[canonical]; !exists || cur == nil {
			obj[canonical] = v
		}
		delete(obj, legacy)
		renamed++
	}
	return renamed
}

// backfillIDs gives a fresh id to every object that has none or repeats an
// id seen earlier in the list. Objects with a valid id keep it.
func (n *Normalizer) backfillIDs(objs []map[string]any) int {
	taken := make(map[string]bool, len(objs))
	needed := false
	for _, obj := range objs {
		id := scalarText(obj["id"])
		if id == "" || taken[id] {
			needed = true
			continue
		}
		taken[id] = true
	}
	if !needed {
		return 0
	}

	assigned := 0
	seen := make(map[string]bool, len(objs))
	for _, obj := range objs {
		id := scalarText(obj["id"])
		if id == "" || seen[id] {
			id = n.freshID(taken)
			obj["id"] = id
			assigned++
		}
		seen[id] = true
	}
	return assigned
}

func (n *Normalizer) freshID(taken map[string]bool) string {
	for {
		id := n.newID()
		if id != "" && !taken[id] {
			taken[id] = true
			return id
		}
	}
}

// splitTeachers replaces the single legacy teacher field with teacher1/teacher2.
func splitTeachers(classes []map[string]any) int {
	split := 0
	for _, c := range classes {
		teacher, ok := c[legacyTeacher]
		if !ok {
			continue
		}
		if text(c["teacher1"]) == "" {
			c["teacher1"] = text(teacher)
		}
		if _, ok := c["teacher2"]; !ok {
			c["teacher2"] = ""
		}
		delete(c, legacyTeacher)
		split++
	}
	return split
}

// relinkStudents resolves inline class name/shift pairs to class ids. The
// legacy fields are removed whether or not a class matched.
func relinkStudents(classes, students []map[string]any) (relinked, unmatched int) {
	if !anyHasKey(students, legacyClassName, legacyShift) {
		return 0, 0
	}

	index := buildClassIndex(classes)
	for _, s := range students {
		name, hasName := s[legacyClassName]
		shift, hasShift := s[legacyShift]
		if !hasName && !hasShift {
			continue
		}
		if id, ok := index.lookup(name, shift); ok {
			s["classGroupId"] = id
			relinked++
		} else {
			unmatched++
		}
		delete(s, legacyClassName)
		delete(s, legacyShift)
	}
	return relinked, unmatched
}

// clearDanglingLinks drops class references that match no class id once the
// class list is final.
func clearDanglingLinks(classes, students []map[string]any) int {
	ids := make(map[string]bool, len(classes))
	for _, c := range classes {
		if id := scalarText(c["id"]); id != "" {
			ids[id] = true
		}
	}
	cleared := 0
	for _, s := range students {
		v, ok := s["classGroupId"]
		if !ok {
			continue
		}
		if id := scalarText(v); id != "" && !ids[id] {
			delete(s, "classGroupId")
			cleared++
		}
	}
	return cleared
}

func anyHasKey(objs []map[string]any, keys ...string) bool {
	for _, obj := range objs {
		for _, k := range keys {
			if _, ok := obj[k]; ok {
				return true
			}
		}
	}
	return false
}

// classIndex maps composite "NAME-SHIFT" keys to class ids. It is built once
// per pass and never modified afterwards.
type classIndex map[string]string

func buildClassIndex(classes []map[string]any) classIndex {
	index := make(classIndex, len(classes))
	for _, c := range classes {
		key, ok := classKey(c["name"], c["shift"])
		if !ok {
			continue
		}
		// first class wins when two share a name and shift
		if _, dup := index[key]; !dup {
			index[key] = scalarText(c["id"])
		}
	}
	return index
}

func (idx classIndex) lookup(name, shift any) (string, bool) {
	key, ok := classKey(name, shift)
	if !ok {
		return "", false
	}
	id, found := idx[key]
	return id, found && id != ""
}

// classKey composes the case and whitespace insensitive lookup key. Values that
// are not strings count as empty. A key with both halves empty is unusable.
func classKey(name, shift any) (string, bool) {
	n, s := keyPart(name), keyPart(shift)
	if n == "" && s == "" {
		return "", false
	}
	return n + "-" + s, true
}

// KeyPart is the canonical form of one half of a class key.
func KeyPart(v string) string {
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(v, "°", "º")))
}

func keyPart(v any) string {
	return KeyPart(text(v))
}

func text(v any) string {
	s, _ := v.(string)
	return s
}

// scalarText renders ids, which older files sometimes stored as numbers.
func scalarText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	}
	return ""
}
