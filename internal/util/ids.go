package util

import (
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var reNanoid = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)

// NewID returns a fresh nanoid for runs and correlation ids.
func NewID() string {
	id, _ := gonanoid.New()
	return id
}

// IsID reports whether s has the shape of an id returned by NewID.
func IsID(s string) bool {
	return reNanoid.MatchString(s)
}
