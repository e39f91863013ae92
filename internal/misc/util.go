package misc

import "strings"

// IsNotFoundMessage reports whether a backend error message denotes a missing
// object rather than a failure. Used by stores whose clients do not expose
// typed not-found errors.
func IsNotFoundMessage(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "key does not exist")
}
