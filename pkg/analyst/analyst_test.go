package analyst

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edge(id, from, to string, rel common.Relationship, amount any) common.GraphEdge {
	return common.GraphEdge{
		ID:           id,
		FromID:       from,
		ToID:         to,
		Relationship: rel,
		Properties:   common.EdgeProperties{Amount: amount, Confidence: 0.9},
	}
}

// conflictGraph has a vendor with three contracts and three donations.
func conflictGraph() *common.GraphSet {
	g := &common.GraphSet{
		ScenarioHash: "s",
		Nodes: []common.GraphNode{
			{ID: "vendor", Type: common.NodeVendor},
			{ID: "agency", Type: common.NodeAgency},
			{ID: "pac", Type: common.NodePAC},
		},
	}
	for i := range 3 {
		g.Edges = append(g.Edges,
			edge(fmt.Sprintf("c%d", i), "vendor", "agency", common.RelContracts, nil),
			edge(fmt.Sprintf("d%d", i), "vendor", "pac", common.RelDonor, nil),
		)
	}
	return g
}

func scoredByID(t *testing.T, set *common.ScoredSet, id string) common.ScoredEntity {
	t.Helper()
	for _, s := range set.Entities {
		if s.EntityID == id {
			return s
		}
	}
	t.Fatalf("entity %s not scored", id)
	return common.ScoredEntity{}
}

func TestApplyRules(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		in   common.FeatureVector
		dim  string
		want float64
	}{
		{name: "conflict of interest", in: common.FeatureVector{ContractCount: 3, DonationFrequency: 3}, dim: common.DimConflictOfInterest, want: 0.8},
		{name: "contracts only", in: common.FeatureVector{ContractCount: 5}, dim: common.DimConflictOfInterest, want: 0},
		{name: "some of both", in: common.FeatureVector{ContractCount: 1, DonationFrequency: 2}, dim: common.DimConflictOfInterest, want: 0.4},
		{name: "shared officer", in: common.FeatureVector{ContractCount: 1, CommonOfficerCount: 1}, dim: common.DimConflictOfInterest, want: 0.5},
		{name: "strong outlier", in: common.FeatureVector{FinancialZScore: -3.2}, dim: common.DimFinancialAnomaly, want: 0.9},
		{name: "one loop", in: common.FeatureVector{LoopCount: 1}, dim: common.DimRegulatoryViolation, want: 0.7},
		{name: "many loops capped", in: common.FeatureVector{LoopCount: 9}, dim: common.DimRegulatoryViolation, want: 1},
		{name: "unverified", in: common.FeatureVector{MeanConfidence: 0}, dim: common.DimTransparencyGap, want: 1},
		{name: "heavy lobbying", in: common.FeatureVector{LobbyingSpend: 2_000_000, MeanConfidence: 1}, dim: common.DimInfluenceConcentration, want: 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyRules(tt.in, th)
			for _, d := range got.Dimensions() {
				if d.Name == tt.dim {
					assert.InDelta(t, tt.want, d.Value, 1e-9)
				}
			}
		})
	}
}

func TestAnalyze_LowConfidenceIsRulesOnly(t *testing.T) {
	e, err := NewEngine(EngineParams{Scorer: StaticScorer{
		Risk:       common.RiskVector{ConflictOfInterest: 1, FinancialAnomaly: 1, RegulatoryViolation: 1, TransparencyGap: 1, InfluenceConcentration: 1},
		Confidence: 0.64,
	}})
	require.NoError(t, err)

	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	for _, s := range set.Entities {
		assert.True(t, s.RulesOnly)
		assert.Equal(t, s.Rules, s.Risk)
		assert.Equal(t, 0.64, s.Confidence)
		require.NotNil(t, s.Statistical)
	}
	assert.Equal(t, 3, set.Metadata.RulesOnlyCount)

	vendor := scoredByID(t, set, "vendor")
	assert.Equal(t, 0.8, vendor.Risk.ConflictOfInterest)
	assert.Equal(t, 3.0, vendor.Features.ContractCount)
	assert.Equal(t, 3.0, vendor.Features.DonationFrequency)
}

func TestAnalyze_HybridBlend(t *testing.T) {
	e, err := NewEngine(EngineParams{Scorer: StaticScorer{
		Risk:       common.RiskVector{ConflictOfInterest: 0.5, FinancialAnomaly: 0.5, RegulatoryViolation: 0.5, TransparencyGap: 0.5, InfluenceConcentration: 0.5},
		Confidence: 0.9,
	}})
	require.NoError(t, err)

	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	vendor := scoredByID(t, set, "vendor")
	assert.False(t, vendor.RulesOnly)
	assert.InDelta(t, 0.7*0.8+0.3*0.5, vendor.Risk.ConflictOfInterest, 1e-9)
	assert.InDelta(t, 0.7*0+0.3*0.5, vendor.Risk.FinancialAnomaly, 1e-9)
	assert.InDelta(t, vendor.Risk.Mean(), vendor.TotalScore, 1e-12)
}

func TestAnalyze_ScorerErrorFallsBack(t *testing.T) {
	e, err := NewEngine(EngineParams{Scorer: StaticScorer{Confidence: 1, Err: errors.New("model offline")}})
	require.NoError(t, err)

	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	for _, s := range set.Entities {
		assert.True(t, s.RulesOnly)
		assert.Nil(t, s.Statistical)
		assert.Zero(t, s.Confidence)
		assert.Equal(t, s.Rules, s.Risk)
	}
	assert.Zero(t, set.Metadata.MeanConfidence)
}

func TestAnalyze_FlagsHighMean(t *testing.T) {
	var rules []CustomRule
	for _, d := range (common.RiskVector{}).Dimensions() {
		rules = append(rules, CustomRule{
			Name:       "max-" + d.Name,
			Dimension:  d.Name,
			Expression: "contract_count >= 3.0 && donation_frequency >= 3.0",
			Score:      1,
		})
	}
	e, err := NewEngine(EngineParams{CustomRules: rules})
	require.NoError(t, err)

	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	require.Len(t, set.Violations, 1)

	v := set.Violations[0]
	assert.Equal(t, "vendor", v.EntityID)
	assert.Equal(t, 1.0, v.TotalScore)
	assert.GreaterOrEqual(t, len(v.ViolationFlags), 1)
	assert.Len(t, v.ViolationFlags, 5)
	assert.InDelta(t, 1.0/3, set.Metadata.FlagPrecision, 1e-9)

	for _, s := range set.Entities {
		if s.EntityID != "vendor" {
			assert.False(t, s.Flagged())
		}
	}
}

func TestAnalyze_NoFlagBelowThreshold(t *testing.T) {
	e, err := NewEngine(EngineParams{})
	require.NoError(t, err)
	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	assert.Empty(t, set.Violations)
	assert.Zero(t, set.Metadata.FlagPrecision)
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Thresholds
		wantErr bool
	}{
		{name: "defaults", in: Thresholds{}},
		{name: "tuned", in: Thresholds{MinConfidence: 0.9, FlagThreshold: 0.75, SubFlag: 0.6}},
		{name: "sub flag equals flag", in: Thresholds{FlagThreshold: 0.8, SubFlag: 0.8}, wantErr: true},
		{name: "sub flag above default flag", in: Thresholds{SubFlag: 0.95}, wantErr: true},
		{name: "flag below default sub flag", in: Thresholds{FlagThreshold: 0.6}, wantErr: true},
		{name: "confidence floor", in: Thresholds{MinConfidence: 0.5}, wantErr: true},
		{name: "flag above one", in: Thresholds{FlagThreshold: 1.2}, wantErr: true},
		{name: "negative weight", in: Thresholds{RulesWeight: -0.1}, wantErr: true},
		{name: "weight above one", in: Thresholds{RulesWeight: 1.5}, wantErr: true},
		{name: "negative count", in: Thresholds{HighContractCount: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewEngine_RejectsInvertedFlagThresholds(t *testing.T) {
	_, err := NewEngine(EngineParams{Thresholds: Thresholds{FlagThreshold: 0.8, SubFlag: 0.95}})
	assert.ErrorContains(t, err, "sub_flag_threshold")
}

func TestAnalyze_FlagAtThresholdHasDimension(t *testing.T) {
	var rules []CustomRule
	for _, d := range (common.RiskVector{}).Dimensions() {
		rules = append(rules, CustomRule{
			Name:       "floor-" + d.Name,
			Dimension:  d.Name,
			Expression: "contract_count >= 3.0",
			Score:      0.75,
		})
	}
	e, err := NewEngine(EngineParams{
		CustomRules: rules,
		Thresholds:  Thresholds{FlagThreshold: 0.75, SubFlag: 0.74},
	})
	require.NoError(t, err)

	set, err := e.Analyze(context.Background(), conflictGraph())
	require.NoError(t, err)
	require.Len(t, set.Violations, 1)
	v := set.Violations[0]
	assert.Equal(t, "vendor", v.EntityID)
	assert.GreaterOrEqual(t, v.TotalScore, 0.75)
	assert.NotEmpty(t, v.ViolationFlags)
}

func TestAnalyze_FeatureGap(t *testing.T) {
	g := conflictGraph()
	g.Edges = append(g.Edges, edge("bad", "vendor", "agency", common.RelContracts, "about a million"))

	e, err := NewEngine(EngineParams{})
	require.NoError(t, err)
	set, err := e.Analyze(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, set.Entities, 3)
	require.Len(t, set.Gaps, 2)
	assert.Equal(t, "agency", set.Gaps[0].EntityID)
	assert.Equal(t, "vendor", set.Gaps[1].EntityID)
	assert.Contains(t, set.Gaps[1].Reason, "not numeric")

	vendor := scoredByID(t, set, "vendor")
	assert.True(t, vendor.FeatureGap)
	assert.Equal(t, common.FeatureVector{}, vendor.Features)
	assert.False(t, scoredByID(t, set, "pac").FeatureGap)
	assert.Equal(t, 2, set.Metadata.GapCount)
}

func TestAnalyze_NilGraph(t *testing.T) {
	e, err := NewEngine(EngineParams{})
	require.NoError(t, err)
	_, err = e.Analyze(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoGraph)
}

func TestExtractFeatures(t *testing.T) {
	g := &common.GraphSet{
		Nodes: []common.GraphNode{{ID: "v1"}, {ID: "v2"}, {ID: "p"}, {ID: "a"}},
		Edges: []common.GraphEdge{
			edge("o1", "p", "v1", common.RelOfficerOf, nil),
			edge("o2", "p", "v2", common.RelOfficerOf, nil),
			edge("l1", "v1", "a", common.RelLobbied, 25000.0),
			edge("l2", "v1", "a", common.RelLobbied, "$5,000"),
		},
	}
	g.Edges[2].Properties.LoopIDs = []string{"L1", "L2"}
	g.Edges[3].Properties.LoopIDs = []string{"L1"}

	f := extractFeatures(g)
	assert.Equal(t, 1.0, f["v1"].vector.CommonOfficerCount)
	assert.Equal(t, 1.0, f["v2"].vector.CommonOfficerCount)
	assert.Equal(t, 1.0, f["p"].vector.CommonOfficerCount)
	assert.Equal(t, 30000.0, f["v1"].vector.LobbyingSpend)
	assert.Zero(t, f["a"].vector.LobbyingSpend)
	assert.Equal(t, 2.0, f["v1"].vector.LoopCount)
	assert.InDelta(t, 0.9, f["v1"].vector.MeanConfidence, 1e-9)
	assert.Greater(t, f["v1"].vector.FinancialZScore, 0.0)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{in: nil, want: 0},
		{in: 500000.0, want: 500000},
		{in: 12, want: 12},
		{in: "$1,250.50", want: 1250.5},
		{in: "", want: 0},
		{in: "n/a", wantErr: true},
		{in: -5.0, wantErr: true},
		{in: map[string]any{}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseAmount(%v) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseAmount(%v) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestCompileRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule CustomRule
	}{
		{name: "unknown dimension", rule: CustomRule{Name: "x", Dimension: "vibes", Expression: "true", Score: 1}},
		{name: "bad score", rule: CustomRule{Name: "x", Dimension: common.DimFinancialAnomaly, Expression: "true", Score: 2}},
		{name: "syntax", rule: CustomRule{Name: "x", Dimension: common.DimFinancialAnomaly, Expression: "contract_count >=", Score: 1}},
		{name: "unknown variable", rule: CustomRule{Name: "x", Dimension: common.DimFinancialAnomaly, Expression: "bribes > 1.0", Score: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(EngineParams{CustomRules: []CustomRule{tt.rule}})
			require.Error(t, err)
		})
	}
}

func TestZScoreScorer(t *testing.T) {
	pop := []common.FeatureVector{
		{ContractCount: 1, MeanConfidence: 0.9},
		{ContractCount: 1, MeanConfidence: 0.9},
		{ContractCount: 1, MeanConfidence: 0.9},
		{ContractCount: 9, DonationFrequency: 6, MeanConfidence: 0.9},
	}
	s := ZScoreScorer{}
	ctx := context.Background()

	outlier, conf, err := s.Score(ctx, ScoreInput{Features: pop[3], Population: pop})
	require.NoError(t, err)
	typical, _, err := s.Score(ctx, ScoreInput{Features: pop[0], Population: pop})
	require.NoError(t, err)

	assert.Greater(t, outlier.ConflictOfInterest, typical.ConflictOfInterest)
	assert.Zero(t, typical.ConflictOfInterest)
	assert.Greater(t, conf, 0.0)
	assert.Less(t, conf, 0.65)

	again, conf2, _ := s.Score(ctx, ScoreInput{Features: pop[3], Population: pop})
	assert.Equal(t, outlier, again)
	assert.Equal(t, conf, conf2)

	big := make([]common.FeatureVector, 0, 200)
	for range 50 {
		big = append(big, pop...)
	}
	_, bigConf, _ := s.Score(ctx, ScoreInput{Features: pop[3], Population: big})
	assert.Greater(t, bigConf, conf)
}

func TestSquash(t *testing.T) {
	assert.Zero(t, squash(-1))
	assert.Zero(t, squash(0))
	assert.InDelta(t, 0.4621, squash(1), 1e-4)
	assert.Less(t, squash(50), 1.0+1e-12)
}
