// Package version carries the build version stamped in at link time.
package version

import "strings"

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// Format returns a display-friendly version string. Normal versions get
// a "v" prefix ("0.3.0" → "v0.3.0"); "dev" and empty strings pass
// through as-is.
func Format(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
