package common

import (
	"slices"
	"time"
)

// DocumentMetadata describes how a document looked before and after
// normalization.
type DocumentMetadata struct {
	OriginalLength   int       `json:"original_length"`
	NormalizedLength int       `json:"normalized_length"`
	CreatedAt        time.Time `json:"created_at"`
	SourceURL        string    `json:"source_url,omitempty"`
}

// DocumentFingerprint is the content-addressed record of a stored document.
//
// DocHash is the hex SHA-256 of NormalizedText. ScenarioHash is the scenario
// the fingerprint was returned for; Scenarios lists every scenario the
// document is indexed under.
type DocumentFingerprint struct {
	DocHash        string           `json:"doc_hash"`
	ScenarioHash   string           `json:"scenario_hash"`
	NormalizedText string           `json:"normalized_text"`
	Metadata       DocumentMetadata `json:"metadata"`
	Scenarios      []string         `json:"scenarios,omitempty"`
}

// Well-known identifier types, in primary selection priority order.
const (
	IDTypeEIN   = "ein"
	IDTypeCIK   = "cik"
	IDTypeUEI   = "uei"
	IDTypeFECID = "fec_id"
	IDTypeLEI   = "lei"
	IDTypeDUNS  = "duns"
)

// Identifier is a typed external identifier such as an EIN or an agency code.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// CanonicalEntity is the single deduplicated record of a real-world entity.
//
// EntityKey is derived from PrimaryID and AltIDs only. Regenerating the key
// from those identifiers must yield the stored key.
type CanonicalEntity struct {
	EntityKey    string       `json:"entity_key"`
	PrimaryID    Identifier   `json:"primary_id"`
	AltIDs       []Identifier `json:"alt_ids"`
	NameNorm     string       `json:"name_norm"`
	Jurisdiction string       `json:"jurisdiction,omitempty"`
	Aliases      []string     `json:"aliases"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Identifiers returns PrimaryID followed by AltIDs.
func (e CanonicalEntity) Identifiers() []Identifier {
	out := make([]Identifier, 0, len(e.AltIDs)+1)
	out = append(out, e.PrimaryID)
	return append(out, e.AltIDs...)
}

// IdentifierMap returns the identifiers keyed by type.
func (e CanonicalEntity) IdentifierMap() map[string]string {
	out := make(map[string]string, len(e.AltIDs)+1)
	for _, id := range e.Identifiers() {
		out[id.Type] = id.Value
	}
	return out
}

// HasAlias reports whether name is already recorded for the entity.
func (e CanonicalEntity) HasAlias(name string) bool {
	return name == e.NameNorm || slices.Contains(e.Aliases, name)
}

// EntityPatch carries the mutable parts of a CanonicalEntity. Identifiers
// are never patched.
type EntityPatch struct {
	NameNorm     *string  `json:"name_norm,omitempty"`
	Jurisdiction *string  `json:"jurisdiction,omitempty"`
	AddAliases   []string `json:"add_aliases,omitempty"`
}

type NodeType string

const (
	NodeIndividual NodeType = "Individual"
	NodeVendor     NodeType = "Vendor"
	NodeNGO        NodeType = "NGO"
	NodeAgency     NodeType = "Agency"
	NodePAC        NodeType = "PAC"
	NodeLegislator NodeType = "Legislator"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeIndividual, NodeVendor, NodeNGO, NodeAgency, NodePAC, NodeLegislator:
		return true
	}
	return false
}

type Relationship string

const (
	RelContracts      Relationship = "CONTRACTS"
	RelDonor          Relationship = "DONOR"
	RelOfficerOf      Relationship = "OFFICER_OF"
	RelLobbied        Relationship = "LOBBIED"
	RelFundedBy       Relationship = "FUNDED_BY"
	RelAssociatedWith Relationship = "ASSOCIATED_WITH"
)

// Relationships lists every relationship type that may be written to the
// graph database.
var Relationships = []Relationship{
	RelContracts, RelDonor, RelOfficerOf, RelLobbied, RelFundedBy, RelAssociatedWith,
}

func (r Relationship) Valid() bool {
	return slices.Contains(Relationships, r)
}

// GraphNode is a resolved entity inside a scenario graph. ID is the entity key.
type GraphNode struct {
	ID               string         `json:"id"`
	Type             NodeType       `json:"type"`
	Properties       map[string]any `json:"properties"`
	SourceDerivation []string       `json:"source_derivation"`
}

// EdgeProperties holds the typed attributes of a GraphEdge.
//
// Amount is kept as it arrived (number or string) so analysis can report
// malformed values instead of silently coercing them.
type EdgeProperties struct {
	Amount     any      `json:"amount,omitempty"`
	StartDate  string   `json:"start_date,omitempty"`
	EndDate    string   `json:"end_date,omitempty"`
	StatuteRef string   `json:"statute_ref,omitempty"`
	Role       string   `json:"role,omitempty"`
	Source     string   `json:"source"`
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence"`
	LoopID     string   `json:"loop_id,omitempty"`
	LoopIDs    []string `json:"loop_ids,omitempty"`
}

// GraphEdge is a directed, typed relationship between two nodes.
type GraphEdge struct {
	ID           string         `json:"id"`
	FromID       string         `json:"from_id"`
	ToID         string         `json:"to_id"`
	Relationship Relationship   `json:"relationship"`
	Properties   EdgeProperties `json:"properties"`
}

// Loop is a detected circular flow. LoopID is stable for the same edge set.
type Loop struct {
	LoopID  string   `json:"loop_id"`
	EdgeIDs []string `json:"edge_ids"`
}

type GraphMetadata struct {
	FactsTotal        int    `json:"facts_total"`
	FactsSkipped      int    `json:"facts_skipped"`
	EntitiesResolved  int    `json:"entities_resolved"`
	ConflictsResolved int    `json:"conflicts_resolved"`
	OrphansFound      int    `json:"orphans_found"`
	OrphansLinked     int    `json:"orphans_linked"`
	LoopsDetected     int    `json:"loops_detected"`
	DetectionStrategy string `json:"detection_strategy,omitempty"`
	Persisted         bool   `json:"persisted"`
}

// GraphSet is the correlated graph of one scenario.
type GraphSet struct {
	ScenarioHash string        `json:"scenario_hash"`
	Nodes        []GraphNode   `json:"nodes"`
	Edges        []GraphEdge   `json:"edges"`
	Loops        []Loop        `json:"loops"`
	Metadata     GraphMetadata `json:"metadata"`
}

// Node returns the node with the given id.
func (g *GraphSet) Node(id string) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

type FactType string

const (
	FactContract  FactType = "contract"
	FactDonation  FactType = "donation"
	FactOfficerOf FactType = "officer_of"
	FactLobbied   FactType = "lobbied"
	FactFundedBy  FactType = "funded_by"
)

// RawFact is a single observation delivered by reconnaissance.
// EntityID has the form TYPE:value, e.g. "EIN:12-3456789".
type RawFact struct {
	EntityID   string         `json:"entity_id" validate:"required" jsonschema:"required,description=Subject identifier in TYPE:value form"`
	FactType   FactType       `json:"fact_type" validate:"required,oneof=contract donation officer_of lobbied funded_by" jsonschema:"required,enum=contract,enum=donation,enum=officer_of,enum=lobbied,enum=funded_by"`
	Payload    map[string]any `json:"payload" jsonschema:"required"`
	SourceURL  string         `json:"source_url,omitempty" validate:"omitempty,url"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1" jsonschema:"minimum=0,maximum=1"`
}

// SearchResult is one ranked hit from an external search.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SourceDocument is a fetched document handed over for archiving.
type SourceDocument struct {
	Text      string `json:"text"`
	SourceURL string `json:"source_url"`
}

// ReconInput is everything the reconnaissance collaborator hands over for
// one run. RawFacts is a JSON array that may be loosely formed.
type ReconInput struct {
	Facts         []RawFact        `json:"facts,omitempty"`
	RawFacts      string           `json:"raw_facts,omitempty"`
	SearchResults []SearchResult   `json:"search_results,omitempty"`
	Documents     []SourceDocument `json:"documents,omitempty"`
}

type FeatureVector struct {
	FinancialZScore    float64 `json:"financial_zscore"`
	CommonOfficerCount float64 `json:"common_officer_count"`
	LobbyingSpend      float64 `json:"lobbying_spend"`
	ContractCount      float64 `json:"contract_count"`
	DonationFrequency  float64 `json:"donation_frequency"`
	LoopCount          float64 `json:"loop_count"`
	MeanConfidence     float64 `json:"mean_confidence"`
}

// RiskVector scores an entity on five dimensions, each in [0,1].
type RiskVector struct {
	ConflictOfInterest     float64 `json:"conflict_of_interest"`
	FinancialAnomaly       float64 `json:"financial_anomaly"`
	RegulatoryViolation    float64 `json:"regulatory_violation"`
	TransparencyGap        float64 `json:"transparency_gap"`
	InfluenceConcentration float64 `json:"influence_concentration"`
}

// Dimension names used for violation sub-flags.
const (
	DimConflictOfInterest     = "conflict_of_interest"
	DimFinancialAnomaly       = "financial_anomaly"
	DimRegulatoryViolation    = "regulatory_violation"
	DimTransparencyGap        = "transparency_gap"
	DimInfluenceConcentration = "influence_concentration"
)

// Dimensions returns the vector as ordered (name, value) pairs.
func (r RiskVector) Dimensions() []Dimension {
	return []Dimension{
		{DimConflictOfInterest, r.ConflictOfInterest},
		{DimFinancialAnomaly, r.FinancialAnomaly},
		{DimRegulatoryViolation, r.RegulatoryViolation},
		{DimTransparencyGap, r.TransparencyGap},
		{DimInfluenceConcentration, r.InfluenceConcentration},
	}
}

func (r RiskVector) Mean() float64 {
	return (r.ConflictOfInterest + r.FinancialAnomaly + r.RegulatoryViolation +
		r.TransparencyGap + r.InfluenceConcentration) / 5
}

type Dimension struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ViolationFlag marks one dimension that pushed an entity over the threshold.
type ViolationFlag struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

type FeatureGap struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

type ScoredEntity struct {
	EntityID       string          `json:"entity_id"`
	Type           NodeType        `json:"type"`
	Features       FeatureVector   `json:"features"`
	Rules          RiskVector      `json:"rules"`
	Statistical    *RiskVector     `json:"statistical,omitempty"`
	Risk           RiskVector      `json:"risk"`
	TotalScore     float64         `json:"total_score"`
	ViolationFlags []ViolationFlag `json:"violation_flags,omitempty"`
	Confidence     float64         `json:"confidence"`
	RulesOnly      bool            `json:"rules_only"`
	FeatureGap     bool            `json:"feature_gap"`
}

// Flagged reports whether the entity was flagged as a violation.
func (s ScoredEntity) Flagged() bool {
	return len(s.ViolationFlags) > 0
}

type ScoredMetadata struct {
	EntityCount    int     `json:"entity_count"`
	MeanConfidence float64 `json:"mean_confidence"`
	FlagPrecision  float64 `json:"flag_precision"`
	MeanScore      float64 `json:"mean_score"`
	RulesOnlyCount int     `json:"rules_only_count"`
	GapCount       int     `json:"gap_count"`
}

// ScoredSet is the analysis result of one scenario graph.
type ScoredSet struct {
	ScenarioHash string         `json:"scenario_hash"`
	Entities     []ScoredEntity `json:"entities"`
	Violations   []ScoredEntity `json:"violations"`
	Gaps         []FeatureGap   `json:"gaps"`
	Metadata     ScoredMetadata `json:"metadata"`
}

// Recommendation is a structured follow-up for a flagged entity.
type Recommendation struct {
	EntityID   string   `json:"entity_id"`
	Priority   string   `json:"priority"`
	Dimensions []string `json:"dimensions"`
	Action     string   `json:"action"`
}

type RunStatus string

const (
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type StageResult struct {
	Stage      string    `json:"stage"`
	Status     RunStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

type RunCounters struct {
	EntitiesProcessed        int `json:"entities_processed"`
	ConflictsResolved        int `json:"conflicts_resolved"`
	LoopsDetected            int `json:"loops_detected"`
	ViolationsFlagged        int `json:"violations_flagged"`
	RecommendationsGenerated int `json:"recommendations_generated"`
}

// PipelineResult is the record handed to external consumers after a run.
type PipelineResult struct {
	RunID        string        `json:"run_id"`
	ScenarioHash string        `json:"scenario_hash"`
	Status       RunStatus     `json:"status"`
	FailedStage  string        `json:"failed_stage,omitempty"`
	Error        string        `json:"error,omitempty"`
	Stages       []StageResult `json:"stages"`
	Counters     RunCounters   `json:"counters"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// FailureRecord is the structured form of a failed run.
type FailureRecord struct {
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Failure returns the failure record, or nil if the run completed.
func (r PipelineResult) Failure() *FailureRecord {
	if r.Status != RunFailed {
		return nil
	}
	return &FailureRecord{
		Status: string(RunFailed),
		Stage:  r.FailedStage,
		Error:  r.Error,
	}
}
