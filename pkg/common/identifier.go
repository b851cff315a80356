package common

import "strings"

var idValueSeparators = strings.NewReplacer("-", "", ".", "", "/", "", " ", "")

// CanonicalIDType lower-cases and trims an identifier type.
func CanonicalIDType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// CanonicalIDValue strips formatting from an identifier value so that
// "12-3456789" and "123456789" compare equal.
func CanonicalIDValue(v string) string {
	return strings.ToUpper(idValueSeparators.Replace(strings.TrimSpace(v)))
}

// Canonical returns the identifier in canonical form.
func (id Identifier) Canonical() Identifier {
	return Identifier{Type: CanonicalIDType(id.Type), Value: CanonicalIDValue(id.Value)}
}
