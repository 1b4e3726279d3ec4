package core

import (
	"strings"

	"golang.org/x/mod/semver"
)

// canonicalVersion normalizes a product version string into the canonical
// "vMAJOR.MINOR.PATCH" form semver expects. Returns "" for strings that
// cannot be interpreted as a version.
func canonicalVersion(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	// Pad bare "v1" / "v1.2" so semver accepts them.
	switch strings.Count(s, ".") {
	case 0:
		s += ".0.0"
	case 1:
		s += ".0"
	}
	if !semver.IsValid(s) {
		return ""
	}
	return s
}

// CompareVersions compares two version strings semantically, not lexically:
// "1.10.0" is newer than "1.9.0". Returns -1, 0, or +1. Strings that do not
// parse as versions compare lexically as a last resort so ordering stays total.
func CompareVersions(a, b string) int {
	ca, cb := canonicalVersion(a), canonicalVersion(b)
	if ca != "" && cb != "" {
		return semver.Compare(ca, cb)
	}
	return strings.Compare(a, b)
}

// VersionBefore reports whether version a is strictly older than b.
func VersionBefore(a, b string) bool {
	return CompareVersions(a, b) < 0
}
