// Package idgen generates collision-resistant identifiers for events,
// entities, intents, and snapshots.
package idgen

import "github.com/google/uuid"

// New returns a new random (v4) identifier as a string.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a new identifier with a human-readable prefix, e.g.
// "evt_3a1...". Prefixes make log lines and audit exports easier to scan
// without changing the underlying uniqueness guarantee.
func NewPrefixed(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Valid reports whether id parses as a UUID. Used to reject malformed
// identifiers early, before they reach storage.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
