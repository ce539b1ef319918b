// Package idgen provides the identifier strategies used for migration records.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// The ids sort by creation time, which keeps history listings readable.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Sequential returns a Generator producing prefix-1, prefix-2, ...
// It is deterministic and intended for tests and fixtures.
func Sequential(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Default is the generator used when none is configured.
var Default Generator = UUIDv7()
