// Package schema defines the closed vocabulary of contract field types and the
// coercion rules used to carry stored values from one declared type to another.
package schema

import "strings"

// Kind classifies a declared field type token.
type Kind int

const (
	// KindOpaque is any token outside the known vocabulary. Values pass through unchanged.
	KindOpaque Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindArray
	KindObject
)

// Kinds lists every kind, opaque included.
var Kinds = []Kind{KindString, KindNumber, KindInteger, KindBoolean, KindArray, KindObject, KindOpaque}

var kindNames = map[Kind]string{
	KindOpaque:  "opaque",
	KindString:  "string",
	KindNumber:  "number",
	KindInteger: "integer",
	KindBoolean: "boolean",
	KindArray:   "array",
	KindObject:  "object",
}

// String returns the canonical token for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindOpaque]
}

// Normalize trims and lower-cases a raw type token.
func Normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// ParseKind maps a raw type token onto a Kind. Unknown tokens classify as KindOpaque.
func ParseKind(token string) Kind {
	switch Normalize(token) {
	case "string":
		return KindString
	case "number", "float":
		return KindNumber
	case "integer", "int":
		return KindInteger
	case "boolean", "bool":
		return KindBoolean
	case "array":
		return KindArray
	case "object", "map":
		return KindObject
	default:
		return KindOpaque
	}
}
