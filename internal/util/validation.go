package util

import (
	"regexp"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// IsValidIdentifier reports whether s is usable as a user or device id.
func IsValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	return identifierRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
