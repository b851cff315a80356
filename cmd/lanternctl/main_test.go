package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/entity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReconInput(t *testing.T) {
	dir := t.TempDir()
	facts := filepath.Join(dir, "facts.json")
	doc := filepath.Join(dir, "filing.html")
	require.NoError(t, os.WriteFile(facts, []byte(`[{"entity_id": "EIN:12-3456789"}]`), 0o600))
	require.NoError(t, os.WriteFile(doc, []byte("<p>Filing</p>"), 0o600))

	in, err := readReconInput(facts, []string{doc})
	require.NoError(t, err)
	assert.Contains(t, in.RawFacts, "EIN:12-3456789")
	require.Len(t, in.Documents, 1)
	assert.Equal(t, "<p>Filing</p>", in.Documents[0].Text)
	assert.Equal(t, "file://"+doc, in.Documents[0].SourceURL)

	_, err = readReconInput(filepath.Join(dir, "missing.json"), nil)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	res := common.PipelineResult{
		ScenarioHash: "scn-a",
		Status:       common.RunFailed,
		FailedStage:  "CORRELATION",
		Stages: []common.StageResult{
			{Stage: "RECON", Status: common.RunCompleted, Attempts: 1},
			{Stage: "CORRELATION", Status: common.RunFailed, Attempts: 3, Error: "quality gate"},
		},
		Counters: common.RunCounters{EntitiesProcessed: 2},
	}

	var text bytes.Buffer
	require.NoError(t, printResult(&text, res, false))
	out := text.String()
	assert.Contains(t, out, "scn-a")
	assert.Contains(t, out, "attempts=3")
	assert.Contains(t, out, "quality gate")
	assert.Contains(t, out, "Entities: 2")

	var js bytes.Buffer
	require.NoError(t, printResult(&js, res, true))
	var decoded common.PipelineResult
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, res.FailedStage, decoded.FailedStage)
	assert.Len(t, decoded.Stages, 2)
}

func TestValidateKeys(t *testing.T) {
	ctx := context.Background()
	idx := entity.NewIndex(entity.NewIndexParams{Storage: memory.NewEntityStorage()})

	good := common.CanonicalEntity{
		EntityKey: identity.ComputeKey(map[string]string{"ein": "12-3456789"}),
		PrimaryID: common.Identifier{Type: "ein", Value: "12-3456789"},
		NameNorm:  "acme_corp",
	}
	_, err := idx.Create(ctx, good)
	require.NoError(t, err)

	report, err := validateKeys(ctx, idx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Checked)

	_, err = idx.Create(ctx, common.CanonicalEntity{
		EntityKey: "stale-key",
		PrimaryID: common.Identifier{Type: "cik", Value: "0000320193"},
	})
	require.NoError(t, err)

	report, err = validateKeys(ctx, idx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "stale-key", report.Mismatches[0].StoredKey)

	var buf bytes.Buffer
	printKeyReport(&buf, report)
	assert.Contains(t, buf.String(), "Checked 2 entities")
	assert.Contains(t, buf.String(), "stale-key")
}
