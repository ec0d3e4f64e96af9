package normalize

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"school-records-server/models"
)

var stringSliceType = reflect.TypeOf([]string{})

// phonesHook accepts the old single "a, b" string where a list is expected.
func phonesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != stringSliceType {
		return data, nil
	}
	return SplitList(data.(string)), nil
}

// SplitList splits a comma separated form value, dropping blanks.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decodeInto fills result from input. mapstructure keeps decoding past a bad
// field, so a partial result plus the collected error messages is returned.
func decodeInto(input any, result any) []string {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           result,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(phonesHook),
	})
	if err != nil {
		return []string{err.Error()}
	}
	if err := decoder.Decode(input); err != nil {
		return []string{err.Error()}
	}
	return nil
}

// decode turns the migrated generic value into typed records. Records are
// decoded one by one so a malformed entry costs only its bad fields.
func decode(metadata map[string]any, classes, students []map[string]any) (*models.Database, []string) {
	var warnings []string
	db := models.NewDatabase()

	fields := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if k != "classes" {
			fields[k] = v
		}
	}
	var meta models.Metadata
	for _, w := range decodeInto(fields, &meta) {
		warnings = append(warnings, "metadata: "+w)
	}
	meta.Classes = make([]models.ClassGroup, 0, len(classes))
	for i, c := range classes {
		var class models.ClassGroup
		for _, w := range decodeInto(c, &class) {
			warnings = append(warnings, fmt.Sprintf("class %d: %s", i, w))
		}
		meta.Classes = append(meta.Classes, class)
	}
	db.Metadata = meta

	db.Students = make([]models.StudentRecord, 0, len(students))
	for i, s := range students {
		var student models.StudentRecord
		for _, w := range decodeInto(s, &student) {
			warnings = append(warnings, fmt.Sprintf("student %d: %s", i, w))
		}
		student.Phones = dropBlank(student.Phones)
		if len(student.Extra) == 0 {
			student.Extra = nil
		}
		db.Students = append(db.Students, student)
	}
	return db, warnings
}

// dropBlank removes empty entries, which a malformed value decodes to.
func dropBlank(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
