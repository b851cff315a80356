package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/entity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinker() (*Linker, *entity.Index) {
	idx := entity.NewIndex(entity.NewIndexParams{Storage: memory.NewEntityStorage()})
	return NewLinker(idx), idx
}

func TestComputeKey_PermutationAndFormatInvariant(t *testing.T) {
	a := ComputeKey(map[string]string{"ein": "12-3456789", "duns": "123456789", "cik": "0000320193"})
	b := ComputeKey(map[string]string{"CIK": " 0000320193", "DUNS": "123-456-789", "ein": "123456789"})
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c := ComputeKey(map[string]string{"ein": "12-3456789"})
	assert.NotEqual(t, a, c)
}

func TestComputeKey_IgnoresBlankIdentifiers(t *testing.T) {
	assert.Equal(t,
		ComputeKey(map[string]string{"ein": "12-3456789"}),
		ComputeKey(map[string]string{"ein": "12-3456789", "duns": "  ", "": "x"}),
	)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Corp., Inc.", "acme_corp_inc"},
		{"  DEPARTMENT of   Energy ", "department_of_energy"},
		{"O'Neil & Sons", "o_neil_sons"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectPrimary(t *testing.T) {
	tests := []struct {
		name     string
		in       map[string]string
		primary  string
		altTypes []string
	}{
		{name: "ein wins", in: map[string]string{"duns": "1", "ein": "2", "cik": "3"}, primary: "ein", altTypes: []string{"cik", "duns"}},
		{name: "cik before lei", in: map[string]string{"lei": "1", "cik": "2"}, primary: "cik", altTypes: []string{"lei"}},
		{name: "fallback lexicographic", in: map[string]string{"name_id": "x", "agency_id": "AG1"}, primary: "agency_id", altTypes: []string{"name_id"}},
		{name: "blank dropped", in: map[string]string{"ein": " ", "duns": "9"}, primary: "duns", altTypes: []string{}},
		{name: "same type spelled twice", in: map[string]string{"EIN": "12-3456789", "ein ": "123456789", "duns": "9"}, primary: "ein", altTypes: []string{"duns"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, alts := SelectPrimary(tt.in)
			assert.Equal(t, tt.primary, primary.Type)
			types := []string{}
			for _, a := range alts {
				types = append(types, a.Type)
			}
			assert.Equal(t, tt.altTypes, types)
		})
	}
}

func TestCanonicalize_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	l, idx := newLinker()

	first, err := l.Canonicalize(ctx, "Acme Corp", map[string]string{"ein": "12-3456789", "duns": "555"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ein", first.PrimaryID.Type)
	assert.Equal(t, "12-3456789", first.PrimaryID.Value)
	assert.Equal(t, []common.Identifier{{Type: "duns", Value: "555"}}, first.AltIDs)
	assert.Equal(t, "acme_corp", first.NameNorm)

	res, err := l.Resolve(ctx, "ACME Corporation", map[string]string{"EIN": "123456789", "duns": "555"}, "US")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, first.EntityKey, res.Entity.EntityKey)
	assert.Equal(t, "US", res.Entity.Jurisdiction)
	assert.Equal(t, []string{"acme_corporation"}, res.Entity.Aliases)
	// identifiers keep the form first seen
	assert.Equal(t, "12-3456789", res.Entity.PrimaryID.Value)

	// jurisdiction is only filled when empty
	again, err := l.Canonicalize(ctx, "Acme Corp", map[string]string{"ein": "12-3456789", "duns": "555"}, "CA")
	require.NoError(t, err)
	assert.Equal(t, "US", again.Jurisdiction)

	stored, err := idx.Get(ctx, first.EntityKey)
	require.NoError(t, err)
	assert.Empty(t, ValidateDeterministicKeys([]common.CanonicalEntity{*stored}))
}

func TestCanonicalize_NoIdentifiers(t *testing.T) {
	l, _ := newLinker()
	_, err := l.Canonicalize(context.Background(), "x", map[string]string{"ein": "  "}, "")
	require.ErrorIs(t, err, ErrNoIdentifiers)
}

func TestResolve_ConflictingSpellings(t *testing.T) {
	ctx := context.Background()
	l, _ := newLinker()

	_, err := l.Resolve(ctx, "Acme", map[string]string{"EIN": "1", "ein": "2"}, "")
	require.ErrorIs(t, err, ErrConflictingIdentifiers)
	assert.ErrorContains(t, err, "ein")

	res, err := l.Resolve(ctx, "Acme", map[string]string{"EIN": "12-3456789", "ein": "123456789"}, "")
	require.NoError(t, err)
	assert.Equal(t, ComputeKey(map[string]string{"ein": "123456789"}), res.Entity.EntityKey)
	assert.Equal(t, "ein", res.Entity.PrimaryID.Type)
	assert.Empty(t, res.Entity.AltIDs)
}

func TestCanonicalize_CollisionIsReported(t *testing.T) {
	ctx := context.Background()
	l, idx := newLinker()

	ids := map[string]string{"ein": "12-3456789"}
	key := ComputeKey(ids)

	// a stored record under that key whose identifiers do not hash to it
	_, err := idx.Create(ctx, common.CanonicalEntity{
		EntityKey: key,
		PrimaryID: common.Identifier{Type: "ein", Value: "99-0000000"},
		NameNorm:  "someone_else",
	})
	require.NoError(t, err)

	_, err = l.Canonicalize(ctx, "Acme", ids, "")
	require.ErrorIs(t, err, ErrEntityCollision)
	var collision *CollisionError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, key, collision.Key)
	assert.Equal(t, "99-0000000", collision.Existing["ein"])

	stored, err := idx.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "someone_else", stored.NameNorm)
}

func TestCanonicalize_ConcurrentSameSet(t *testing.T) {
	ctx := context.Background()
	l, idx := newLinker()

	var wg sync.WaitGroup
	keys := make([]string, 24)
	for i := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := map[string]string{"ein": "12-3456789", "duns": "555"}
			if i%2 == 0 {
				ids = map[string]string{"duns": "555", "EIN": "123456789"}
			}
			e, err := l.Canonicalize(ctx, "Acme", ids, "")
			if assert.NoError(t, err) {
				keys[i] = e.EntityKey
			}
		}()
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	all, err := idx.SearchByName(ctx, ".*")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetectCollisions(t *testing.T) {
	ok := common.CanonicalEntity{EntityKey: "k1", PrimaryID: common.Identifier{Type: "ein", Value: "1"}}
	okVariant := common.CanonicalEntity{EntityKey: "k1", PrimaryID: common.Identifier{Type: "EIN", Value: " 1 "}}
	bad := common.CanonicalEntity{EntityKey: "k2", PrimaryID: common.Identifier{Type: "ein", Value: "2"}}
	badOther := common.CanonicalEntity{EntityKey: "k2", PrimaryID: common.Identifier{Type: "ein", Value: "3"}}

	groups := DetectCollisions([]common.CanonicalEntity{ok, bad, okVariant, badOther})
	require.Len(t, groups, 1)
	assert.Equal(t, "k2", groups[0].Key)
	assert.Len(t, groups[0].Entities, 2)
}

func TestValidateDeterministicKeys(t *testing.T) {
	good := common.CanonicalEntity{
		PrimaryID: common.Identifier{Type: "ein", Value: "12-3456789"},
		AltIDs:    []common.Identifier{{Type: "duns", Value: "555"}},
	}
	good.EntityKey = ComputeKey(map[string]string{"duns": "555", "ein": "123456789"})

	bad := good
	bad.EntityKey = "tampered"

	mismatches := ValidateDeterministicKeys([]common.CanonicalEntity{good, bad})
	require.Len(t, mismatches, 1)
	assert.Equal(t, "tampered", mismatches[0].StoredKey)
	assert.Equal(t, good.EntityKey, mismatches[0].ComputedKey)
}
