package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"
)

// EntityStorage keeps canonical entities in a map. Returned values are
// copies.
type EntityStorage struct {
	mu       sync.RWMutex
	entities map[string]common.CanonicalEntity
}

var _ store.EntityStorage = (*EntityStorage)(nil)

func NewEntityStorage() *EntityStorage {
	return &EntityStorage{entities: make(map[string]common.CanonicalEntity)}
}

func (s *EntityStorage) GetEntity(_ context.Context, key string) (*common.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := clone(e)
	return &c, nil
}

func (s *EntityStorage) PutEntity(_ context.Context, entity common.CanonicalEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.EntityKey] = clone(entity)
	return nil
}

func (s *EntityStorage) DeleteEntity(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.entities, key)
	return nil
}

func (s *EntityStorage) ListEntities(_ context.Context, filter store.EntityFilter) ([]common.CanonicalEntity, error) {
	m, err := filter.Compile()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []common.CanonicalEntity
	for _, e := range s.entities {
		if m.Match(e) {
			out = append(out, clone(e))
		}
	}
	slices.SortFunc(out, func(a, b common.CanonicalEntity) int {
		return strings.Compare(a.EntityKey, b.EntityKey)
	})
	return out, nil
}

func clone(e common.CanonicalEntity) common.CanonicalEntity {
	e.AltIDs = slices.Clone(e.AltIDs)
	e.Aliases = slices.Clone(e.Aliases)
	return e
}
