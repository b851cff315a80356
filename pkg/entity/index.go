package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"
)

var (
	ErrExists   = errors.New("entity already exists")
	ErrNotFound = errors.New("entity not found")
)

// LockKey is the lease every mutation of the index takes.
const LockKey = "entity_index"

// Index is the canonical entity registry. Mutations are serialized through
// a single lease so that concurrent resolutions of the same identifier set
// cannot create duplicates; reads go straight to storage.
type Index struct {
	storage  store.EntityStorage
	locker   leaselock.Locker
	lockOpts leaselock.Options
	now      func() time.Time
}

type NewIndexParams struct {
	Storage store.EntityStorage
	Locker  leaselock.Locker
	// LockTTL is the staleness window after which a held lease is
	// considered abandoned. Default 5s.
	LockTTL time.Duration
	// LockWait bounds how long a mutation waits for the lease. Default 10s.
	LockWait time.Duration
}

func NewIndex(params NewIndexParams) *Index {
	locker := params.Locker
	if locker == nil {
		locker = leaselock.NewLocal()
	}
	ttl := params.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	wait := params.LockWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Index{
		storage: params.Storage,
		locker:  locker,
		lockOpts: leaselock.Options{
			TTL:          ttl,
			DisableRenew: true,
			Wait:         true,
			WaitInterval: 10 * time.Millisecond,
			WaitJitter:   5 * time.Millisecond,
			WaitTimeout:  wait,
			TokenPrefix:  "entity-",
		},
		now: time.Now,
	}
}

func (i *Index) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	err := i.locker.WithLease(ctx, LockKey, i.lockOpts, fn)
	if errors.Is(err, leaselock.ErrTimeout) {
		logger.Warn("[EntityIndex] Timed out waiting for index lease", "wait", i.lockOpts.WaitTimeout)
	}
	return err
}

func (i *Index) Get(ctx context.Context, key string) (*common.CanonicalEntity, error) {
	e, err := i.storage.GetEntity(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return e, nil
}

// Create inserts a new entity. It fails with ErrExists if the key is taken.
func (i *Index) Create(ctx context.Context, e common.CanonicalEntity) (*common.CanonicalEntity, error) {
	if e.EntityKey == "" {
		return nil, errors.New("entity key is empty")
	}
	var created *common.CanonicalEntity
	err := i.withLock(ctx, func(ctx context.Context) error {
		_, err := i.storage.GetEntity(ctx, e.EntityKey)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, e.EntityKey)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created, err = i.insert(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies patch to an existing entity. Identifiers are immutable.
func (i *Index) Update(ctx context.Context, key string, patch common.EntityPatch) (*common.CanonicalEntity, error) {
	var updated *common.CanonicalEntity
	err := i.withLock(ctx, func(ctx context.Context) error {
		cur, err := i.storage.GetEntity(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return err
		}
		updated, err = i.apply(ctx, *cur, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Upsert creates e when its key is unknown. Otherwise onExisting is called
// with the stored entity and may return a patch (or an error to abort), all
// within one lease. The bool reports whether the entity was created.
func (i *Index) Upsert(
	ctx context.Context,
	e common.CanonicalEntity,
	onExisting func(existing common.CanonicalEntity) (*common.EntityPatch, error),
) (*common.CanonicalEntity, bool, error) {
	var (
		result  *common.CanonicalEntity
		created bool
	)
	err := i.withLock(ctx, func(ctx context.Context) error {
		cur, err := i.storage.GetEntity(ctx, e.EntityKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result, err = i.insert(ctx, e)
			created = err == nil
			return err
		case err != nil:
			return err
		}

		patch, err := onExisting(*cur)
		if err != nil {
			return err
		}
		if patch == nil {
			result = cur
			return nil
		}
		result, err = i.apply(ctx, *cur, *patch)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (i *Index) Delete(ctx context.Context, key string) error {
	return i.withLock(ctx, func(ctx context.Context) error {
		err := i.storage.DeleteEntity(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	})
}

func (i *Index) SearchByJurisdiction(ctx context.Context, jurisdiction string) ([]common.CanonicalEntity, error) {
	return i.storage.ListEntities(ctx, store.EntityFilter{Jurisdiction: jurisdiction})
}

// SearchByName matches pattern case-insensitively against normalized names
// and aliases.
func (i *Index) SearchByName(ctx context.Context, pattern string) ([]common.CanonicalEntity, error) {
	return i.storage.ListEntities(ctx, store.EntityFilter{NamePattern: pattern})
}

// SearchByAltID finds entities carrying the identifier as primary or
// alternate, comparing canonical values.
func (i *Index) SearchByAltID(ctx context.Context, idType, value string) ([]common.CanonicalEntity, error) {
	return i.storage.ListEntities(ctx, store.EntityFilter{AltIDType: idType, AltIDValue: value})
}

// Search passes an arbitrary filter through to storage.
func (i *Index) Search(ctx context.Context, filter store.EntityFilter) ([]common.CanonicalEntity, error) {
	return i.storage.ListEntities(ctx, filter)
}

func (i *Index) insert(ctx context.Context, e common.CanonicalEntity) (*common.CanonicalEntity, error) {
	now := i.now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Aliases = store.SortedAliases(e.Aliases)
	if err := i.storage.PutEntity(ctx, e); err != nil {
		return nil, err
	}
	logger.Debug("[EntityIndex] Created entity", "key", e.EntityKey, "primary", e.PrimaryID.Type)
	return &e, nil
}

func (i *Index) apply(ctx context.Context, cur common.CanonicalEntity, patch common.EntityPatch) (*common.CanonicalEntity, error) {
	if patch.NameNorm != nil && *patch.NameNorm != cur.NameNorm {
		if cur.NameNorm != "" {
			patch.AddAliases = append(patch.AddAliases, cur.NameNorm)
		}
		cur.NameNorm = *patch.NameNorm
	}
	if patch.Jurisdiction != nil {
		cur.Jurisdiction = *patch.Jurisdiction
	}
	aliases := append(cur.Aliases, patch.AddAliases...)
	aliases = store.SortedAliases(aliases)
	cur.Aliases = aliases[:0]
	for _, a := range aliases {
		if a != cur.NameNorm {
			cur.Aliases = append(cur.Aliases, a)
		}
	}
	cur.UpdatedAt = i.now().UTC()

	if err := i.storage.PutEntity(ctx, cur); err != nil {
		return nil, err
	}
	logger.Debug("[EntityIndex] Updated entity", "key", cur.EntityKey)
	return &cur, nil
}
