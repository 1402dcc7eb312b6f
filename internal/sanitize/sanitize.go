// Package sanitize derives safe identifiers from untrusted device
// input before it is used as a cache key, signed message component,
// or filesystem path segment.
package sanitize

import "strings"

const maxDeviceIDLen = 64

// SafeDeviceID filters raw to the alphanumeric/._- alphabet and
// truncates to 64 characters. It is idempotent: SafeDeviceID(SafeDeviceID(x)) == SafeDeviceID(x).
// Returns "" if raw contains no allowed characters.
func SafeDeviceID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if isAllowed(r) {
			b.WriteRune(r)
		}
		if b.Len() >= maxDeviceIDLen {
			break
		}
	}
	out := b.String()
	if len(out) > maxDeviceIDLen {
		out = out[:maxDeviceIDLen]
	}
	return out
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}
