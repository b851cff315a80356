// Package correlation turns raw facts into a deduplicated scenario graph:
// merge, orphan linking, quality gate, persistence and circular-flow
// detection.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/graphdb"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"golang.org/x/time/rate"
)

var (
	ErrGraphConflict = errors.New("no fact could be merged into the graph")
	ErrQualityGate   = errors.New("graph rejected by quality gate")
	ErrPersistence   = errors.New("graph persistence failed")
)

// Resolver canonicalizes identifier sets. *identity.Linker implements it.
type Resolver interface {
	Resolve(ctx context.Context, name string, identifiers map[string]string, jurisdiction string) (*identity.Resolution, error)
}

// DefaultCriticalRelationships must each appear at least once in a graph.
var DefaultCriticalRelationships = []common.Relationship{common.RelContracts, common.RelFundedBy}

type EngineParams struct {
	Resolver Resolver
	// Driver is optional; without it nothing is persisted and cycles are
	// found in memory.
	Driver graphdb.Driver
	// OrphanPolicies run in order for every orphan. Nil means
	// SharedAttributePolicy only; an empty slice disables orphan linking.
	OrphanPolicies []OrphanPolicy
	// CriticalRelationships nil means DefaultCriticalRelationships; an empty
	// slice disables the quality gate.
	CriticalRelationships []common.Relationship

	ParallelResolutions int
	PersistAttempts     int
	PersistBackoff      time.Duration
	PersistBatchSize    int
	// PersistRate is the maximum number of write batches per second.
	PersistRate   float64
	MinLoopLength int
	MaxLoopLength int
	MaxLoops      int
	// DefaultConfidence replaces a missing or non-positive fact confidence.
	DefaultConfidence float64
}

type Engine struct {
	resolver            Resolver
	driver              graphdb.Driver
	orphanPolicies      []OrphanPolicy
	critical            []common.Relationship
	parallelResolutions int
	persistAttempts     int
	persistBackoff      time.Duration
	persistBatchSize    int
	limiter             *rate.Limiter
	minLoopLength       int
	maxLoopLength       int
	maxLoops            int
	defaultConfidence   float64
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Resolver == nil {
		return nil, fmt.Errorf("correlation engine needs a resolver")
	}
	if params.ParallelResolutions <= 0 {
		params.ParallelResolutions = 8
	}
	if params.PersistAttempts <= 0 {
		params.PersistAttempts = 3
	}
	if params.PersistBackoff <= 0 {
		params.PersistBackoff = 500 * time.Millisecond
	}
	if params.PersistBatchSize <= 0 {
		params.PersistBatchSize = 500
	}
	if params.PersistRate <= 0 {
		params.PersistRate = 20
	}
	if params.MinLoopLength <= 0 {
		params.MinLoopLength = 3
	}
	if params.MaxLoopLength <= 0 {
		params.MaxLoopLength = 10
	}
	if params.MaxLoopLength < params.MinLoopLength {
		return nil, fmt.Errorf("max loop length %d is below min loop length %d", params.MaxLoopLength, params.MinLoopLength)
	}
	if params.MaxLoops <= 0 {
		params.MaxLoops = 1000
	}
	if params.DefaultConfidence <= 0 || math.IsNaN(params.DefaultConfidence) {
		params.DefaultConfidence = 0.5
	}
	if params.OrphanPolicies == nil {
		params.OrphanPolicies = []OrphanPolicy{SharedAttributePolicy{}}
	}
	if params.CriticalRelationships == nil {
		params.CriticalRelationships = DefaultCriticalRelationships
	}

	return &Engine{
		resolver:            params.Resolver,
		driver:              params.Driver,
		orphanPolicies:      params.OrphanPolicies,
		critical:            slices.Clone(params.CriticalRelationships),
		parallelResolutions: params.ParallelResolutions,
		persistAttempts:     params.PersistAttempts,
		persistBackoff:      params.PersistBackoff,
		persistBatchSize:    params.PersistBatchSize,
		limiter:             rate.NewLimiter(rate.Limit(params.PersistRate), 1),
		minLoopLength:       params.MinLoopLength,
		maxLoopLength:       params.MaxLoopLength,
		maxLoops:            params.MaxLoops,
		defaultConfidence:   min(params.DefaultConfidence, 1),
	}, nil
}

// Correlate builds, checks, persists and analyses the graph of one scenario.
func (e *Engine) Correlate(ctx context.Context, scenarioHash string, facts []common.RawFact) (*common.GraphSet, error) {
	start := time.Now()
	if len(facts) == 0 {
		return nil, fmt.Errorf("%w: scenario %s has no facts", ErrGraphConflict, scenarioHash)
	}

	b := newGraphBuilder(scenarioHash)
	stats, err := e.merge(ctx, b, facts)
	if err != nil {
		return nil, fmt.Errorf("graph merge: %w", err)
	}
	if stats.factsSkipped >= stats.factsTotal {
		return nil, fmt.Errorf("%w: all %d facts of scenario %s were skipped", ErrGraphConflict, stats.factsTotal, scenarioHash)
	}

	found, linked, err := e.linkOrphans(ctx, b, &stats)
	if err != nil {
		return nil, fmt.Errorf("orphan linking: %w", err)
	}

	g := b.graph()
	g.Metadata = common.GraphMetadata{
		FactsTotal:        stats.factsTotal,
		FactsSkipped:      stats.factsSkipped,
		EntitiesResolved:  len(g.Nodes),
		ConflictsResolved: stats.conflictsResolved,
		OrphansFound:      found,
		OrphansLinked:     linked,
	}

	if err := CheckQualityGate(g, e.critical); err != nil {
		logger.Warn("[Correlation] Graph rejected", "scenario", scenarioHash, "err", err)
		return nil, err
	}

	if e.driver != nil {
		if err := e.persist(ctx, g); err != nil {
			return nil, err
		}
		g.Metadata.Persisted = true
	}

	e.detectCycles(ctx, g, g.Metadata.Persisted)

	logger.Info("[Correlation] Scenario correlated", "scenario", scenarioHash,
		"nodes", len(g.Nodes), "edges", len(g.Edges), "loops", len(g.Loops),
		"skipped", stats.factsSkipped, "duration", time.Since(start))
	return g, nil
}

// CheckQualityGate fails with ErrQualityGate unless g has at least one edge
// of every critical relationship.
func CheckQualityGate(g *common.GraphSet, critical []common.Relationship) error {
	present := map[common.Relationship]bool{}
	for _, edge := range g.Edges {
		present[edge.Relationship] = true
	}
	var missing []string
	for _, rel := range critical {
		if !present[rel] {
			missing = append(missing, string(rel))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: no %s edges", ErrQualityGate, strings.Join(missing, ", "))
	}
	return nil
}

const deleteScenarioEdgesQuery = `MATCH ()-[r]->()
WHERE r.scenario_hash = $scenario
DELETE r`

const deleteScenarioNodeQuery = `MATCH (s:Scenario {hash: $scenario})
DETACH DELETE s`

const deleteDanglingEntitiesQuery = `MATCH (e:Entity)
WHERE NOT (e)--()
DELETE e`

// DeleteScenario removes a scenario's relationships and its scenario node.
// Entities left without any relationship are removed too.
func (e *Engine) DeleteScenario(ctx context.Context, scenarioHash string) error {
	if err := e.graphAvailable(); err != nil {
		return err
	}
	for _, q := range []string{deleteScenarioEdgesQuery, deleteScenarioNodeQuery, deleteDanglingEntitiesQuery} {
		if err := e.write(ctx, scenarioHash, "delete", q, map[string]any{"scenario": scenarioHash}); err != nil {
			return err
		}
	}
	logger.Info("[Correlation] Scenario deleted", "scenario", scenarioHash)
	return nil
}

const loadNodesQuery = `MATCH (:Scenario {hash: $scenario})-[c:CONTAINS]->(e:Entity)
RETURN e.id AS id, e.type AS type, properties(e) AS props, c.source_derivation AS sources
ORDER BY id`

const loadEdgesQuery = `MATCH (a:Entity)-[r]->(b:Entity)
WHERE r.scenario_hash = $scenario
RETURN r.id AS id, a.id AS from, b.id AS to, type(r) AS rel, properties(r) AS props
ORDER BY id`

// LoadScenario reads a persisted scenario graph back. Loops are rebuilt
// from the stored loop stamps.
func (e *Engine) LoadScenario(ctx context.Context, scenarioHash string) (*common.GraphSet, error) {
	if err := e.graphAvailable(); err != nil {
		return nil, err
	}
	params := map[string]any{"scenario": scenarioHash}

	nodeRecs, err := e.driver.ExecuteRead(ctx, loadNodesQuery, params)
	if err != nil {
		return nil, fmt.Errorf("load scenario nodes: %w", err)
	}
	edgeRecs, err := e.driver.ExecuteRead(ctx, loadEdgesQuery, params)
	if err != nil {
		return nil, fmt.Errorf("load scenario edges: %w", err)
	}

	g := &common.GraphSet{ScenarioHash: scenarioHash}
	for _, rec := range nodeRecs {
		props, _ := rec["props"].(map[string]any)
		delete(props, "id")
		delete(props, "type")
		g.Nodes = append(g.Nodes, common.GraphNode{
			ID:               rec.String("id"),
			Type:             common.NodeType(rec.String("type")),
			Properties:       props,
			SourceDerivation: rec.Strings("sources"),
		})
	}

	loops := map[string][]string{}
	for _, rec := range edgeRecs {
		props := graphdb.Record(mapOrEmpty(rec["props"]))
		edge := common.GraphEdge{
			ID:           rec.String("id"),
			FromID:       rec.String("from"),
			ToID:         rec.String("to"),
			Relationship: common.Relationship(rec.String("rel")),
			Properties: common.EdgeProperties{
				Amount:     props["amount"],
				StartDate:  props.String("start_date"),
				EndDate:    props.String("end_date"),
				StatuteRef: props.String("statute_ref"),
				Role:       props.String("role"),
				Source:     props.String("source"),
				Sources:    props.Strings("sources"),
				Confidence: props.Float64("confidence"),
				LoopID:     props.String("loop_id"),
				LoopIDs:    props.Strings("loop_ids"),
			},
		}
		for _, id := range edge.Properties.LoopIDs {
			loops[id] = append(loops[id], edge.ID)
		}
		g.Edges = append(g.Edges, edge)
	}
	for id, edges := range loops {
		slices.Sort(edges)
		g.Loops = append(g.Loops, common.Loop{LoopID: id, EdgeIDs: edges})
	}
	slices.SortFunc(g.Loops, func(a, b common.Loop) int { return strings.Compare(a.LoopID, b.LoopID) })

	g.Metadata = common.GraphMetadata{
		EntitiesResolved: len(g.Nodes),
		LoopsDetected:    len(g.Loops),
		Persisted:        true,
	}
	return g, nil
}

func mapOrEmpty(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
