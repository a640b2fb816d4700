package util

import (
	"crypto/subtle"
)

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskID keeps the first four characters of an identifier for logging.
func MaskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "-****"
}
