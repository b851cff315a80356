package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/entity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoIdentifiers          = errors.New("no usable identifiers")
	ErrConflictingIdentifiers = errors.New("conflicting identifiers")
	ErrEntityCollision        = errors.New("entity key collision")
)

// CollisionError describes an incoming identifier set whose key is already
// held by an entity with a different identifier set.
type CollisionError struct {
	Key      string
	Existing map[string]string
	Incoming map[string]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("entity key collision on %s: stored %v, incoming %v", e.Key, e.Existing, e.Incoming)
}

func (e *CollisionError) Unwrap() error { return ErrEntityCollision }

// Linker resolves raw identifier sets to canonical entities, writing
// through the entity index.
type Linker struct {
	index *entity.Index
	group singleflight.Group
}

func NewLinker(index *entity.Index) *Linker {
	return &Linker{index: index}
}

// Resolution is the outcome of resolving one identifier set.
type Resolution struct {
	Entity  common.CanonicalEntity
	Created bool
}

// Canonicalize returns the canonical entity for identifiers, creating it on
// first sight and recording new aliases afterwards.
func (l *Linker) Canonicalize(ctx context.Context, name string, identifiers map[string]string, jurisdiction string) (*common.CanonicalEntity, error) {
	res, err := l.Resolve(ctx, name, identifiers, jurisdiction)
	if err != nil {
		return nil, err
	}
	return &res.Entity, nil
}

func (l *Linker) Resolve(ctx context.Context, name string, identifiers map[string]string, jurisdiction string) (*Resolution, error) {
	if len(CanonicalIdentifiers(identifiers)) == 0 {
		return nil, ErrNoIdentifiers
	}
	if types := conflictingTypes(identifiers); len(types) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflictingIdentifiers, strings.Join(types, ", "))
	}

	key := ComputeKey(identifiers)
	nameNorm := NormalizeName(name)
	jurisdiction = strings.TrimSpace(jurisdiction)
	primary, alts := SelectPrimary(identifiers)

	candidate := common.CanonicalEntity{
		EntityKey:    key,
		PrimaryID:    primary,
		AltIDs:       alts,
		NameNorm:     nameNorm,
		Jurisdiction: jurisdiction,
	}

	flight := key + "\x00" + nameNorm + "\x00" + jurisdiction
	v, err, shared := l.group.Do(flight, func() (any, error) {
		e, created, err := l.index.Upsert(ctx, candidate, func(existing common.CanonicalEntity) (*common.EntityPatch, error) {
			if !sameIdentifierSet(existing.IdentifierMap(), identifiers) {
				return nil, &CollisionError{
					Key:      key,
					Existing: existing.IdentifierMap(),
					Incoming: identifiers,
				}
			}
			return mergePatch(existing, nameNorm, jurisdiction), nil
		})
		if err != nil {
			return nil, err
		}
		return &Resolution{Entity: *e, Created: created}, nil
	})
	if err != nil {
		var collision *CollisionError
		if errors.As(err, &collision) {
			logger.Warn("[Identity] Key collision", "key", key, "stored", collision.Existing, "incoming", collision.Incoming)
		}
		return nil, err
	}

	res := *v.(*Resolution)
	res.Entity.AltIDs = slices.Clone(res.Entity.AltIDs)
	res.Entity.Aliases = slices.Clone(res.Entity.Aliases)
	if shared {
		logger.Debug("[Identity] Shared concurrent resolution", "key", key)
	}
	return &res, nil
}

func mergePatch(existing common.CanonicalEntity, nameNorm, jurisdiction string) *common.EntityPatch {
	var patch common.EntityPatch
	changed := false
	switch {
	case nameNorm == "":
	case existing.NameNorm == "":
		patch.NameNorm = &nameNorm
		changed = true
	case !existing.HasAlias(nameNorm):
		patch.AddAliases = []string{nameNorm}
		changed = true
	}
	if existing.Jurisdiction == "" && jurisdiction != "" {
		patch.Jurisdiction = &jurisdiction
		changed = true
	}
	if !changed {
		return nil
	}
	return &patch
}

// CollisionGroup lists entities that share a key but not an identifier set.
type CollisionGroup struct {
	Key      string
	Entities []common.CanonicalEntity
}

// DetectCollisions groups entities by key and reports every group whose
// members carry differing canonical identifier sets.
func DetectCollisions(entities []common.CanonicalEntity) []CollisionGroup {
	byKey := make(map[string][]common.CanonicalEntity)
	var order []string
	for _, e := range entities {
		if _, ok := byKey[e.EntityKey]; !ok {
			order = append(order, e.EntityKey)
		}
		byKey[e.EntityKey] = append(byKey[e.EntityKey], e)
	}

	var out []CollisionGroup
	for _, key := range order {
		group := byKey[key]
		first := group[0].IdentifierMap()
		for _, e := range group[1:] {
			if !sameIdentifierSet(first, e.IdentifierMap()) {
				out = append(out, CollisionGroup{Key: key, Entities: group})
				break
			}
		}
	}
	return out
}

// KeyMismatch is an entity whose stored key differs from the key computed
// from its identifiers.
type KeyMismatch struct {
	StoredKey   string
	ComputedKey string
}

// ValidateDeterministicKeys regenerates every key from PrimaryID and AltIDs
// and returns the entities that do not round-trip.
func ValidateDeterministicKeys(entities []common.CanonicalEntity) []KeyMismatch {
	var out []KeyMismatch
	for _, e := range entities {
		if computed := KeyOf(e); computed != e.EntityKey {
			out = append(out, KeyMismatch{StoredKey: e.EntityKey, ComputedKey: computed})
		}
	}
	return out
}
