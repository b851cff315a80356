package common

import (
	"testing"
	"time"
)

func TestCanonicalIDValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12-3456789", "123456789"},
		{" 123456789 ", "123456789"},
		{"ab.12/3 4", "AB1234"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalIDValue(tt.in); got != tt.want {
			t.Fatalf("CanonicalIDValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRiskVector_Mean(t *testing.T) {
	r := RiskVector{ConflictOfInterest: 1, FinancialAnomaly: 1, RegulatoryViolation: 0.5, TransparencyGap: 0.5, InfluenceConcentration: 1}
	if got := r.Mean(); got != 0.8 {
		t.Fatalf("expected mean 0.8, got %v", got)
	}
	if dims := r.Dimensions(); len(dims) != 5 || dims[0].Name != DimConflictOfInterest {
		t.Fatalf("unexpected dimensions: %+v", dims)
	}
}

func TestPipelineResult_Failure(t *testing.T) {
	ok := PipelineResult{Status: RunCompleted, FinishedAt: time.Now()}
	if ok.Failure() != nil {
		t.Fatal("completed run must not report a failure")
	}

	failed := PipelineResult{Status: RunFailed, FailedStage: "CORRELATION", Error: "graph conflict"}
	f := failed.Failure()
	if f == nil {
		t.Fatal("expected failure record")
	}
	if f.Status != "FAILED" || f.Stage != "CORRELATION" || f.Error != "graph conflict" {
		t.Fatalf("unexpected failure record: %+v", f)
	}
}

func TestCanonicalEntity_IdentifierMap(t *testing.T) {
	e := CanonicalEntity{
		PrimaryID: Identifier{Type: "ein", Value: "12-3456789"},
		AltIDs:    []Identifier{{Type: "duns", Value: "987"}},
		NameNorm:  "acme_corp",
		Aliases:   []string{"acme"},
	}
	m := e.IdentifierMap()
	if len(m) != 2 || m["ein"] != "12-3456789" || m["duns"] != "987" {
		t.Fatalf("unexpected identifier map: %v", m)
	}
	if !e.HasAlias("acme") || !e.HasAlias("acme_corp") || e.HasAlias("other") {
		t.Fatal("unexpected alias lookup result")
	}
}
