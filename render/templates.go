package render

import (
	"embed"
	"html/template"
	"strings"

	"school-records-server/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"upper": strings.ToUpper,
	"orNA":  orNotInformed,
	"inc":   func(i int) int { return i + 1 },
}).ParseFS(templateFS, "templates/*.tmpl"))

func orNotInformed(s string) string {
	if s == "" {
		return models.NotInformed
	}
	return s
}
