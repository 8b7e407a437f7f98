package game

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CleanName trims a display name and normalizes it to NFC.
func CleanName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// SameName reports whether two display names collide. Names are compared
// after NFC normalization and Unicode case folding, so "Ana" and "ana" clash.
func SameName(a, b string) bool {
	return nameKey(a) == nameKey(b)
}

// nameKey builds a fresh Caser per call; Casers are stateful.
func nameKey(s string) string {
	return cases.Fold().String(CleanName(s))
}
