package docstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "html and whitespace", input: "<p>Hello   World</p>", want: "hello world"},
		{name: "plain", input: "hello world", want: "hello world"},
		{name: "entities decoded", input: "Smith &amp; Sons", want: "smith & sons"},
		{name: "script dropped", input: "<div>a<script>var x = 1;</script>b</div>", want: "a b"},
		{name: "nfkc folds ligatures", input: "ﬁnance", want: "finance"},
		{name: "tabs and newlines", input: "\tA\n\nB  ", want: "a b"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHash_EquivalentSourcesMatch(t *testing.T) {
	a := Hash(Normalize("<p>Hello   World</p>"))
	b := Hash(Normalize("hello world"))
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func newTestStore(archive Archive) *Store {
	return NewStore(NewStoreParams{Archive: archive})
}

func TestStore_IdempotentPerScenario(t *testing.T) {
	ctx := context.Background()
	archive := NewMemoryArchive()
	s := newTestStore(archive)

	first, err := s.Store(ctx, "<p>Hello   World</p>", "scn1", "https://example.org/a")
	require.NoError(t, err)
	objects := archive.Len()

	second, err := s.Store(ctx, "hello world", "scn1", "https://example.org/b")
	require.NoError(t, err)

	assert.Equal(t, first.DocHash, second.DocHash)
	assert.Equal(t, []string{"scn1"}, second.Scenarios)
	assert.Equal(t, "https://example.org/a", second.Metadata.SourceURL)
	assert.Equal(t, objects, archive.Len())

	raw, err := archive.Get(ctx, indexKey(first.DocHash))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "scn1"))
}

func TestStore_SameDocumentTwoScenarios(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryArchive())

	a, err := s.Store(ctx, "Annual report", "scn1", "")
	require.NoError(t, err)
	b, err := s.Store(ctx, "annual   REPORT", "scn2", "")
	require.NoError(t, err)

	require.Equal(t, a.DocHash, b.DocHash)
	assert.Equal(t, "scn2", b.ScenarioHash)
	assert.Equal(t, []string{"scn1", "scn2"}, b.Scenarios)

	got, err := s.Get(ctx, a.DocHash)
	require.NoError(t, err)
	assert.Equal(t, "scn1", got.ScenarioHash)
	assert.Equal(t, "annual report", got.NormalizedText)
	assert.Equal(t, len("Annual report"), got.Metadata.OriginalLength)
}

func TestStore_GetByScenarioSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryArchive())

	for _, text := range []string{"alpha", "beta", "gamma", "delta"} {
		_, err := s.Store(ctx, text, "scn", "")
		require.NoError(t, err)
	}
	_, err := s.Store(ctx, "other", "scn-other", "")
	require.NoError(t, err)

	docs, err := s.GetByScenario(ctx, "scn")
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for i := 1; i < len(docs); i++ {
		assert.Less(t, docs[i-1].DocHash, docs[i].DocHash)
	}
	for _, d := range docs {
		assert.Equal(t, "scn", d.ScenarioHash)
	}

	empty, err := s.GetByScenario(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(NewMemoryArchive())
	_, err := s.Get(context.Background(), Hash("nothing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RejectsEmptyScenario(t *testing.T) {
	s := newTestStore(NewMemoryArchive())
	_, err := s.Store(context.Background(), "text", " ", "")
	require.Error(t, err)
}

// failingArchive fails writes whose key starts with failPrefix.
type failingArchive struct {
	*MemoryArchive
	failPrefix string
}

func (f *failingArchive) Put(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return errors.New("disk full")
	}
	return f.MemoryArchive.Put(ctx, key, data)
}

func TestStore_SurfacesWriteFailures(t *testing.T) {
	tests := []struct {
		name       string
		failPrefix string
		want       error
	}{
		{name: "document write", failPrefix: documentsPrefix, want: ErrStorageFailure},
		{name: "index write", failPrefix: indexPrefix, want: ErrIndexingFailure},
		{name: "scenario marker write", failPrefix: scenariosPrefix, want: ErrIndexingFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(&failingArchive{MemoryArchive: NewMemoryArchive(), failPrefix: tt.failPrefix})
			_, err := s.Store(context.Background(), "text", "scn", "")
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "disk full")
		})
	}
}

// flakyArchive fails the first failures writes whose key starts with
// failPrefix.
type flakyArchive struct {
	*MemoryArchive
	failPrefix string
	failures   int
}

func (f *flakyArchive) Put(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, f.failPrefix) && f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.MemoryArchive.Put(ctx, key, data)
}

func TestStore_RetryAfterMarkerFailure(t *testing.T) {
	ctx := context.Background()
	archive := &flakyArchive{MemoryArchive: NewMemoryArchive(), failPrefix: scenariosPrefix, failures: 1}
	s := newTestStore(archive)

	_, err := s.Store(ctx, "award notice", "scn", "")
	require.ErrorIs(t, err, ErrIndexingFailure)

	fp, err := s.Store(ctx, "award notice", "scn", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"scn"}, fp.Scenarios)

	docs, err := s.GetByScenario(ctx, "scn")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, fp.DocHash, docs[0].DocHash)
}

func TestStore_RestoresMissingMarker(t *testing.T) {
	ctx := context.Background()
	archive := NewMemoryArchive()
	s := newTestStore(archive)

	fp, err := s.Store(ctx, "award notice", "scn", "")
	require.NoError(t, err)
	require.NoError(t, archive.Delete(ctx, markerKey("scn", fp.DocHash)))

	_, err = s.Store(ctx, "award notice", "scn", "")
	require.NoError(t, err)

	docs, err := s.GetByScenario(ctx, "scn")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_ConcurrentStoresIndexOnce(t *testing.T) {
	ctx := context.Background()
	archive := NewMemoryArchive()
	s := newTestStore(archive)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Store(ctx, "<b>Shared</b> text", "scn", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	fp, err := s.Get(ctx, Hash("shared text"))
	require.NoError(t, err)
	assert.Equal(t, []string{"scn"}, fp.Scenarios)
}

func TestStore_RemoveScenario(t *testing.T) {
	ctx := context.Background()
	archive := NewMemoryArchive()
	s := newTestStore(archive)

	shared, err := s.Store(ctx, "shared", "scn1", "")
	require.NoError(t, err)
	_, err = s.Store(ctx, "shared", "scn2", "")
	require.NoError(t, err)
	only, err := s.Store(ctx, "only one", "scn1", "")
	require.NoError(t, err)

	n, err := s.RemoveScenario(ctx, "scn1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := s.GetByScenario(ctx, "scn1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	got, err := s.Get(ctx, shared.DocHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"scn2"}, got.Scenarios)

	_, err = s.Get(ctx, only.DocHash)
	require.ErrorIs(t, err, ErrNotFound)
}
