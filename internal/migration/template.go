package migration

import (
	"fmt"
	"go/format"
	"sort"
	"strconv"
	"strings"
)

// Template is rendered migration stub source for one target language.
type Template struct {
	Language  string `json:"language"`
	Extension string `json:"extension"`
	Filename  string `json:"filename"`
	Source    string `json:"source"`
}

type templateWriter func(b *strings.Builder, oldID, newID string, diff SchemaDiff)

type templateLanguage struct {
	name      string
	extension string
	write     templateWriter
	gofmt     bool
}

var templateLanguages = map[string]templateLanguage{
	"rust":       {name: "rust", extension: "rs", write: writeRustTemplate},
	"rs":         {name: "rust", extension: "rs", write: writeRustTemplate},
	"js":         {name: "js", extension: "js", write: writeJSTemplate},
	"javascript": {name: "js", extension: "js", write: writeJSTemplate},
	"go":         {name: "go", extension: "go", write: writeGoTemplate, gofmt: true},
	"golang":     {name: "go", extension: "go", write: writeGoTemplate, gofmt: true},
}

// TemplateLanguages returns the accepted language identifiers in sorted order.
func TemplateLanguages() []string {
	out := make([]string, 0, len(templateLanguages))
	for k := range templateLanguages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RenderTemplate renders a migration stub for diff. Added fields get a placeholder
// initializer, changed fields a carry-over with a TODO, removed fields a comment.
func RenderTemplate(oldID, newID string, diff SchemaDiff, language string) (Template, error) {
	lang, ok := templateLanguages[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return Template{}, &UnsupportedLanguageError{Language: language, Supported: TemplateLanguages()}
	}
	var b strings.Builder
	lang.write(&b, oldID, newID, diff)
	source := b.String()
	if lang.gofmt {
		formatted, err := format.Source([]byte(source))
		if err != nil {
			return Template{}, fmt.Errorf("format go template: %w", err)
		}
		source = string(formatted)
	}
	return Template{
		Language:  lang.name,
		Extension: lang.extension,
		Filename:  DefaultTemplateFilename(oldID, newID, lang.extension),
		Source:    source,
	}, nil
}

// DefaultTemplateFilename builds migration_<old>_to_<new>.<ext> from slugged ids.
func DefaultTemplateFilename(oldID, newID, ext string) string {
	return fmt.Sprintf("migration_%s_to_%s.%s", slug(oldID), slug(newID), ext)
}

func slug(value string) string {
	var b strings.Builder
	for _, c := range value {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func writeRustTemplate(b *strings.Builder, oldID, newID string, diff SchemaDiff) {
	fmt.Fprintf(b, "// Auto-generated migration template: %s -> %s\n", oldID, newID)
	b.WriteString("use serde_json::{Map, Value};\n\n")
	b.WriteString("pub fn migrate_state(old_state: &Map<String, Value>) -> Map<String, Value> {\n")
	b.WriteString("    let mut new_state = Map::new();\n\n")
	for _, field := range diff.AddedFields {
		fmt.Fprintf(b, "    // TODO: initialize added field '%s' with the correct default\n", field)
		fmt.Fprintf(b, "    new_state.insert(%s.to_string(), Value::Null);\n\n", strconv.Quote(field))
	}
	for _, change := range diff.ChangedTypes {
		q := strconv.Quote(change.Field)
		fmt.Fprintf(b, "    // TODO: transform '%s' from %s to %s\n", change.Field, change.OldType, change.NewType)
		fmt.Fprintf(b, "    if let Some(value) = old_state.get(%s) { new_state.insert(%s.to_string(), value.clone()); }\n\n", q, q)
	}
	for _, field := range diff.RemovedFields {
		fmt.Fprintf(b, "    // Removed field '%s' intentionally omitted from new state\n", field)
	}
	b.WriteString("    new_state\n}\n")
}

func writeJSTemplate(b *strings.Builder, oldID, newID string, diff SchemaDiff) {
	fmt.Fprintf(b, "// Auto-generated migration template: %s -> %s\n", oldID, newID)
	b.WriteString("function migrateState(oldState) {\n")
	b.WriteString("  const newState = {};\n\n")
	for _, field := range diff.AddedFields {
		fmt.Fprintf(b, "  // TODO: initialize added field '%s' with the correct default\n", field)
		fmt.Fprintf(b, "  newState[%s] = null;\n\n", strconv.Quote(field))
	}
	for _, change := range diff.ChangedTypes {
		q := strconv.Quote(change.Field)
		fmt.Fprintf(b, "  // TODO: transform '%s' from %s to %s\n", change.Field, change.OldType, change.NewType)
		fmt.Fprintf(b, "  if (Object.prototype.hasOwnProperty.call(oldState, %s)) newState[%s] = oldState[%s];\n\n", q, q, q)
	}
	for _, field := range diff.RemovedFields {
		fmt.Fprintf(b, "  // Removed field '%s' intentionally omitted from new state\n", field)
	}
	b.WriteString("  return newState;\n}\n\nmodule.exports = { migrateState };\n")
}

func writeGoTemplate(b *strings.Builder, oldID, newID string, diff SchemaDiff) {
	fmt.Fprintf(b, "// Code generated as a migration template: %s -> %s. Edit before use.\n\n", oldID, newID)
	b.WriteString("package migrations\n\n")
	fmt.Fprintf(b, "// MigrateState maps state stored under %s onto the schema of %s.\n", oldID, newID)
	b.WriteString("func MigrateState(oldState map[string]any) map[string]any {\n")
	b.WriteString("newState := make(map[string]any, len(oldState))\n\n")
	for _, field := range diff.AddedFields {
		fmt.Fprintf(b, "// TODO: initialize added field '%s' with the correct default\n", field)
		fmt.Fprintf(b, "newState[%s] = nil\n\n", strconv.Quote(field))
	}
	for _, change := range diff.ChangedTypes {
		q := strconv.Quote(change.Field)
		fmt.Fprintf(b, "// TODO: transform '%s' from %s to %s\n", change.Field, change.OldType, change.NewType)
		fmt.Fprintf(b, "if value, ok := oldState[%s]; ok {\nnewState[%s] = value\n}\n\n", q, q)
	}
	for _, field := range diff.RemovedFields {
		fmt.Fprintf(b, "// Removed field '%s' intentionally omitted from new state\n", field)
	}
	b.WriteString("return newState\n}\n")
}
