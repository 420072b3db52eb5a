package util

import (
	"slices"

	"github.com/google/uuid"
)

const pinLength = 6

// IsValidSessionID accepts the canonical lowercase UUID form NewSessionID produces.
func IsValidSessionID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.String() == s
}

func IsValidPin(s string) bool {
	if len(s) != pinLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsValidEnum treats the empty value as "no filter".
func IsValidEnum[T ~string](value T, valid ...T) bool {
	return value == "" || slices.Contains(valid, value)
}
