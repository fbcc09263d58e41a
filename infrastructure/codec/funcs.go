package codec

import (
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ahrav/go-blocking/internal/domain"
)

// TemplateFuncs returns the function map available to prompt templates.
//
// The returned FuncMap is safe for concurrent use. Functions never panic on
// odd input; they return a safe default instead.
//
//	tmpl, err := template.New("prompt").Funcs(codec.TemplateFuncs()).Parse(text)
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		// add converts 0-based indexes to 1-based numbering.
		// Template usage: {{add $i 1}}
		"add": func(a, b int) int {
			return a + b
		},

		// join concatenates elements with sep between them.
		// Template usage: {{join .Priority ", "}}
		"join": func(elems []string, sep string) string {
			return strings.Join(elems, sep)
		},

		// title renders an identifier such as "close_up" as "Close Up".
		// Template usage: {{title .Shot}}
		"title": func(s string) string {
			return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
		},

		// upper returns s in upper case.
		// Template usage: {{upper .Mode}}
		"upper": func(s string) string {
			return strings.ToUpper(s)
		},

		// vec formats a position with one decimal place.
		// Template usage: {{vec .Position}}
		"vec": func(v domain.Vector) string {
			return fmt.Sprintf("x=%.1f, y=%.1f, z=%.1f", v.X, v.Y, v.Z)
		},

		// rot formats a rotation with one decimal place.
		// Template usage: {{rot .Rotation}}
		"rot": func(r domain.Rotator) string {
			return fmt.Sprintf("pitch=%.1f, yaw=%.1f, roll=%.1f", r.Pitch, r.Yaw, r.Roll)
		},

		// truncate limits string length, adding "..." when cut.
		// Template usage: {{truncate .Analysis 200}}
		"truncate": func(s string, length int) string {
			if length <= 0 {
				return ""
			}
			if len(s) <= length {
				return s
			}
			if length > 3 {
				return s[:length-3] + "..."
			}
			return s[:length]
		},
	}
}
