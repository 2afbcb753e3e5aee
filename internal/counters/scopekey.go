package counters

import "strings"

const scopeKeySeparator = "|"

// ScopeKey identifies one numbering sequence within a counter id.
type ScopeKey string

// String returns the underlying key.
func (key ScopeKey) String() string {
	return string(key)
}

var scopeKeyEscaper = strings.NewReplacer(`\`, `\\`, scopeKeySeparator, `\`+scopeKeySeparator)

// ComposeScopeKey joins ordered key field values into a canonical scope key.
// Separators and escape characters inside values are escaped, so distinct tuples
// never share a key.
func ComposeScopeKey(values []string) ScopeKey {
	escaped := make([]string, len(values))
	for index, value := range values {
		escaped[index] = scopeKeyEscaper.Replace(value)
	}
	return ScopeKey(strings.Join(escaped, scopeKeySeparator))
}
