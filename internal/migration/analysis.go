package migration

import (
	"fmt"
	"sort"

	"contractregistry/internal/schema"
)

// Diff compares the declared schemas of two snapshots.
func Diff(old, updated Snapshot) SchemaDiff {
	diff := SchemaDiff{
		AddedFields:   []string{},
		RemovedFields: []string{},
		ChangedTypes:  []TypeChange{},
	}
	for _, field := range sortedFields(updated.Schema) {
		newType := updated.Schema[field]
		oldType, ok := old.Schema[field]
		switch {
		case !ok:
			diff.AddedFields = append(diff.AddedFields, field)
		case schema.Normalize(oldType) != schema.Normalize(newType):
			diff.ChangedTypes = append(diff.ChangedTypes, TypeChange{Field: field, OldType: oldType, NewType: newType})
		}
	}
	for _, field := range sortedFields(old.Schema) {
		if _, ok := updated.Schema[field]; !ok {
			diff.RemovedFields = append(diff.RemovedFields, field)
		}
	}
	return diff
}

// Validate reports the risks of migrating old's stored values into updated's schema.
// An empty result means the migration is safe. The representability pass deliberately
// re-checks changed fields, so a field can be reported twice. A stored null is a value
// like any other here; only the removed-field check ignores it.
func Validate(old, updated Snapshot, diff SchemaDiff) []string {
	issues := []string{}

	for _, field := range diff.RemovedFields {
		if value, ok := old.State[field]; ok && value != nil {
			issues = append(issues, fmt.Sprintf(
				"Field '%s' is removed but currently contains data; migration would drop value %s",
				field, schema.Render(value)))
		}
	}

	for _, change := range diff.ChangedTypes {
		value, ok := old.State[change.Field]
		if !ok {
			continue
		}
		if _, ok := schema.Coerce(value, schema.ParseKind(change.NewType)); !ok {
			issues = append(issues, fmt.Sprintf(
				"Field '%s' type change %s -> %s is not safely convertible for value %s",
				change.Field, change.OldType, change.NewType, schema.Render(value)))
		}
	}

	for _, field := range sortedFields(updated.Schema) {
		value, ok := old.State[field]
		if !ok {
			continue
		}
		newType := updated.Schema[field]
		if _, ok := schema.Coerce(value, schema.ParseKind(newType)); !ok {
			issues = append(issues, fmt.Sprintf(
				"Field '%s' cannot be represented as target type '%s'", field, newType))
		}
	}

	return issues
}

// DryRun computes the state old would have under updated's schema without persisting it.
// Every field that falls back to its type default produces a warning, as does every
// dropped non-null value. A stored null is converted like any other value.
func DryRun(old, updated Snapshot, diff SchemaDiff) (map[string]any, []string) {
	migrated := make(map[string]any, len(updated.Schema))
	warnings := []string{}

	for _, field := range sortedFields(updated.Schema) {
		newType := updated.Schema[field]
		kind := schema.ParseKind(newType)
		value, ok := old.State[field]
		if !ok {
			migrated[field] = schema.Default(kind)
			warnings = append(warnings, fmt.Sprintf(
				"Field '%s' has no prior value; using default for '%s'", field, newType))
			continue
		}
		converted, ok := schema.Coerce(value, kind)
		if !ok {
			migrated[field] = schema.Default(kind)
			warnings = append(warnings, fmt.Sprintf(
				"Field '%s' could not convert value %s to '%s'; using default value",
				field, schema.Render(value), newType))
			continue
		}
		migrated[field] = converted
	}

	for _, field := range diff.RemovedFields {
		if value, ok := old.State[field]; ok && value != nil {
			warnings = append(warnings, fmt.Sprintf(
				"Field '%s' removed in new schema and omitted from migrated state", field))
		}
	}

	return migrated, warnings
}

func sortedFields(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
