package memory

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *EntityStorage {
	t.Helper()
	s := NewEntityStorage()
	ctx := context.Background()
	entities := []common.CanonicalEntity{
		{
			EntityKey:    "k1",
			PrimaryID:    common.Identifier{Type: "ein", Value: "12-3456789"},
			AltIDs:       []common.Identifier{{Type: "duns", Value: "111"}},
			NameNorm:     "acme_corp",
			Jurisdiction: "DE",
			Aliases:      []string{"acme_holdings"},
		},
		{
			EntityKey: "k2",
			PrimaryID: common.Identifier{Type: "agency_id", Value: "AG1"},
			NameNorm:  "department_of_energy",
		},
		{
			EntityKey:    "k3",
			PrimaryID:    common.Identifier{Type: "cik", Value: "0000123"},
			NameNorm:     "beta_llc",
			Jurisdiction: "de",
		},
	}
	for _, e := range entities {
		require.NoError(t, s.PutEntity(ctx, e))
	}
	return s
}

func keys(entities []common.CanonicalEntity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.EntityKey)
	}
	return out
}

func TestListEntities(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter store.EntityFilter
		want   []string
	}{
		{name: "all", filter: store.EntityFilter{}, want: []string{"k1", "k2", "k3"}},
		{name: "jurisdiction case-insensitive", filter: store.EntityFilter{Jurisdiction: "DE"}, want: []string{"k1", "k3"}},
		{name: "name regex", filter: store.EntityFilter{NamePattern: "^ACME"}, want: []string{"k1"}},
		{name: "name matches alias", filter: store.EntityFilter{NamePattern: "holdings"}, want: []string{"k1"}},
		{name: "alt id canonical value", filter: store.EntityFilter{AltIDType: "EIN", AltIDValue: "123456789"}, want: []string{"k1"}},
		{name: "alt id matches alternate", filter: store.EntityFilter{AltIDType: "duns", AltIDValue: "111"}, want: []string{"k1"}},
		{name: "alt id type only", filter: store.EntityFilter{AltIDType: "cik"}, want: []string{"k3"}},
		{name: "combined", filter: store.EntityFilter{Jurisdiction: "de", NamePattern: "beta"}, want: []string{"k3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListEntities(ctx, tt.filter)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, keys(got))
		})
	}
}

func TestListEntities_InvalidPattern(t *testing.T) {
	s := seed(t)
	_, err := s.ListEntities(context.Background(), store.EntityFilter{NamePattern: "("})
	require.Error(t, err)
}

func TestGetDeleteAndCopies(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	e, err := s.GetEntity(ctx, "k1")
	require.NoError(t, err)
	e.Aliases[0] = "mutated"

	again, err := s.GetEntity(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "acme_holdings", again.Aliases[0])

	require.NoError(t, s.DeleteEntity(ctx, "k1"))
	_, err = s.GetEntity(ctx, "k1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteEntity(ctx, "k1"), store.ErrNotFound)
}
