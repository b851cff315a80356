package recon

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/docstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalFlexible(t *testing.T) {
	type fact struct {
		EntityID string `json:"entity_id"`
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "valid json", input: `{"entity_id":"EIN:1"}`},
		{name: "unquoted key and single quotes", input: `{entity_id: 'EIN:1'}`},
		{name: "trailing comma", input: `{"entity_id":"EIN:1",}`},
		{name: "missing end bracket", input: `{"entity_id":"EIN:1"`},
		{name: "double encoded", input: `"{\"entity_id\": \"EIN:1\"}"`},
		{name: "duplicate leading brace", input: "{\n{\n  \"entity_id\": \"EIN:1\"\n}\n"},
		{name: "code fence", input: "```json\n{\"entity_id\":\"EIN:1\"}\n```"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got fact
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.EntityID != "EIN:1" {
				t.Fatalf("UnmarshalFlexible() got = %+v", got)
			}
		})
	}
}

func TestParseFacts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "  ", want: 0},
		{name: "array", input: `[{"entity_id":"EIN:1","fact_type":"contract","payload":{}},{"entity_id":"EIN:2","fact_type":"donation","payload":{}}]`, want: 2},
		{name: "wrapped", input: `{"facts":[{"entity_id":"EIN:1","fact_type":"contract","payload":{}}]}`, want: 1},
		{name: "single object", input: `{"entity_id":"EIN:1","fact_type":"contract","payload":{}}`, want: 1},
		{name: "loose array", input: `[{entity_id:'EIN:1', fact_type:'contract', payload:{amount: 5},},]`, want: 1},
		{name: "undecodable item skipped", input: `[{"entity_id":"EIN:1"},{"entity_id":7}]`, want: 1},
		{name: "double encoded array", input: `"[{\"entity_id\":\"EIN:1\"}]"`, want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFacts(tc.input)
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}

	_, err := ParseFacts(`42`)
	assert.Error(t, err)
	_, err = ParseFacts(`"just text"`)
	assert.Error(t, err)
}

func TestFactSchema(t *testing.T) {
	b, err := json.Marshal(FactSchema())
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(b, &schema))
	assert.Equal(t, "RawFact", schema["title"])
	assert.Equal(t, "object", schema["type"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Subset(t, required, []any{"entity_id", "fact_type", "payload"})
	assert.NotContains(t, required, "source_url")

	props := schema["properties"].(map[string]any)
	factType := props["fact_type"].(map[string]any)
	assert.Len(t, factType["enum"], 5)
}

func TestCollector_Validate(t *testing.T) {
	c := NewCollector(CollectorParams{})
	payload := map[string]any{"agency_id": "Agency:AG1"}

	tests := []struct {
		name    string
		fact    common.RawFact
		wantErr bool
	}{
		{name: "valid", fact: common.RawFact{EntityID: "EIN:1", FactType: common.FactContract, Payload: payload, Confidence: 0.5}},
		{name: "missing entity", fact: common.RawFact{FactType: common.FactContract, Payload: payload}, wantErr: true},
		{name: "unknown type", fact: common.RawFact{EntityID: "EIN:1", FactType: "gift", Payload: payload}, wantErr: true},
		{name: "confidence above one", fact: common.RawFact{EntityID: "EIN:1", FactType: common.FactDonation, Payload: payload, Confidence: 1.5}, wantErr: true},
		{name: "bad source url", fact: common.RawFact{EntityID: "EIN:1", FactType: common.FactDonation, Payload: payload, SourceURL: "not a url"}, wantErr: true},
		{name: "no type prefix", fact: common.RawFact{EntityID: "123456789", FactType: common.FactDonation, Payload: payload}, wantErr: true},
		{name: "nil payload", fact: common.RawFact{EntityID: "EIN:1", FactType: common.FactLobbied}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Validate(tc.fact)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCollector_Collect(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewStore(docstore.NewStoreParams{Archive: docstore.NewMemoryArchive()})
	c := NewCollector(CollectorParams{Archiver: store, DefaultConfidence: 0.5})

	in := common.ReconInput{
		Facts: []common.RawFact{
			{EntityID: "EIN:12-3456789", FactType: common.FactContract, Payload: map[string]any{"agency_id": "Agency:AG1"}},
			{EntityID: "bogus", FactType: common.FactContract, Payload: map[string]any{}},
		},
		RawFacts: `[{entity_id: 'EIN:12-3456789', fact_type: 'donation', payload: {recipient_id: 'Agency:AG1'}, confidence: 0.8}]`,
		Documents: []common.SourceDocument{
			{Text: "<p>Hello   World</p>", SourceURL: "https://example.org/a"},
			{Text: "hello world", SourceURL: "https://example.org/b"},
			{Text: "   "},
		},
		SearchResults: []common.SearchResult{
			{Title: "Acme wins contract", Link: "https://news.example.org/1", Snippet: "Acme Corp was awarded"},
			{Title: "No snippet", Link: "https://news.example.org/2"},
		},
	}

	facts, err := c.Collect(ctx, "s1", in)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, 0.5, facts[0].Confidence)
	assert.Equal(t, 0.8, facts[1].Confidence)
	assert.Equal(t, common.FactDonation, facts[1].FactType)

	docs, err := store.GetByScenario(ctx, "s1")
	require.NoError(t, err)
	// Both documents normalize to the same text.
	assert.Len(t, docs, 2)
}

type brokenArchiver struct{}

func (brokenArchiver) Store(context.Context, string, string, string) (*common.DocumentFingerprint, error) {
	return nil, docstore.ErrStorageFailure
}

func TestCollector_ArchiveFailureFails(t *testing.T) {
	c := NewCollector(CollectorParams{Archiver: brokenArchiver{}})
	_, err := c.Collect(context.Background(), "s1", common.ReconInput{
		Documents: []common.SourceDocument{{Text: "some text", SourceURL: "https://example.org"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, docstore.ErrStorageFailure))
}

func TestCollector_UnparseableRawFacts(t *testing.T) {
	c := NewCollector(CollectorParams{})
	_, err := c.Collect(context.Background(), "s1", common.ReconInput{RawFacts: `true`})
	assert.Error(t, err)
}
