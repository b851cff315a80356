package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
)

var ErrNotFound = errors.New("entity not found")

// EntityStorage persists canonical entities. Implementations do no locking
// of their own; callers that need single-writer semantics serialize
// mutations (see pkg/entity).
type EntityStorage interface {
	GetEntity(ctx context.Context, key string) (*common.CanonicalEntity, error)
	PutEntity(ctx context.Context, entity common.CanonicalEntity) error
	DeleteEntity(ctx context.Context, key string) error
	ListEntities(ctx context.Context, filter EntityFilter) ([]common.CanonicalEntity, error)
}

// EntityFilter narrows ListEntities. Empty fields match everything.
// NamePattern is a case-insensitive regular expression matched against the
// normalized name and all aliases. AltID matches primary or alternate
// identifiers by canonical value.
type EntityFilter struct {
	Jurisdiction string
	NamePattern  string
	AltIDType    string
	AltIDValue   string
}

// Compile validates NamePattern and returns a matcher for the filter.
func (f EntityFilter) Compile() (*EntityMatcher, error) {
	m := &EntityMatcher{filter: f}
	if f.NamePattern != "" {
		re, err := regexp.Compile("(?i)" + f.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern: %w", err)
		}
		m.name = re
	}
	m.altType = common.CanonicalIDType(f.AltIDType)
	m.altValue = common.CanonicalIDValue(f.AltIDValue)
	return m, nil
}

type EntityMatcher struct {
	filter   EntityFilter
	name     *regexp.Regexp
	altType  string
	altValue string
}

func (m *EntityMatcher) Match(e common.CanonicalEntity) bool {
	if m.filter.Jurisdiction != "" && !strings.EqualFold(m.filter.Jurisdiction, e.Jurisdiction) {
		return false
	}
	if m.name != nil && !m.matchName(e) {
		return false
	}
	if m.altType != "" || m.altValue != "" {
		return m.matchID(e)
	}
	return true
}

func (m *EntityMatcher) matchName(e common.CanonicalEntity) bool {
	if m.name.MatchString(e.NameNorm) {
		return true
	}
	for _, a := range e.Aliases {
		if m.name.MatchString(a) {
			return true
		}
	}
	return false
}

func (m *EntityMatcher) matchID(e common.CanonicalEntity) bool {
	for _, id := range e.Identifiers() {
		c := id.Canonical()
		if m.altType != "" && c.Type != m.altType {
			continue
		}
		if m.altValue != "" && c.Value != m.altValue {
			continue
		}
		return true
	}
	return false
}
