package correlation

import (
	"context"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"
)

const mergeScenarioQuery = `MERGE (s:Scenario {hash: $scenario})
ON CREATE SET s.created_at = datetime()
SET s.updated_at = datetime()`

const mergeNodesQuery = `MATCH (s:Scenario {hash: $scenario})
UNWIND $nodes AS n
MERGE (e:Entity {id: n.id})
SET e += n.props, e.type = n.type
MERGE (s)-[c:CONTAINS]->(e)
SET c.source_derivation = n.sources`

// relationship types cannot be parameters, so one query per type
const mergeEdgesQuery = `UNWIND $edges AS r
MATCH (a:Entity {id: r.from})
MATCH (b:Entity {id: r.to})
MERGE (a)-[rel:%s {id: r.id}]->(b)
REMOVE rel.loop_id, rel.loop_ids
SET rel += r.props, rel.scenario_hash = $scenario`

// persist writes the scenario subgraph in batches. Every query is a MERGE,
// so a retried batch is harmless. Loop stamps of an earlier run are
// dropped here and rewritten by detectCycles.
func (e *Engine) persist(ctx context.Context, g *common.GraphSet) error {
	if err := e.write(ctx, g.ScenarioHash, "scenario", mergeScenarioQuery, map[string]any{"scenario": g.ScenarioHash}); err != nil {
		return err
	}

	err := store.ChunkRange(len(g.Nodes), e.persistBatchSize, func(start, end int) error {
		rows := make([]map[string]any, 0, end-start)
		for _, n := range g.Nodes[start:end] {
			rows = append(rows, map[string]any{
				"id":      n.ID,
				"type":    string(n.Type),
				"props":   flattenProps(n.Properties),
				"sources": nonNil(n.SourceDerivation),
			})
		}
		return e.write(ctx, g.ScenarioHash, "nodes", mergeNodesQuery, map[string]any{
			"scenario": g.ScenarioHash,
			"nodes":    rows,
		})
	})
	if err != nil {
		return err
	}

	byRel := map[common.Relationship][]common.GraphEdge{}
	for _, edge := range g.Edges {
		byRel[edge.Relationship] = append(byRel[edge.Relationship], edge)
	}
	for _, rel := range common.Relationships {
		edges := byRel[rel]
		query := fmt.Sprintf(mergeEdgesQuery, rel)
		err := store.ChunkRange(len(edges), e.persistBatchSize, func(start, end int) error {
			rows := make([]map[string]any, 0, end-start)
			for _, edge := range edges[start:end] {
				rows = append(rows, map[string]any{
					"id":    edge.ID,
					"from":  edge.FromID,
					"to":    edge.ToID,
					"props": edgePropsMap(edge.Properties),
				})
			}
			return e.write(ctx, g.ScenarioHash, string(rel), query, map[string]any{
				"scenario": g.ScenarioHash,
				"edges":    rows,
			})
		})
		if err != nil {
			return err
		}
	}
	for rel := range byRel {
		if !rel.Valid() {
			logger.Warn("[Correlation] Not persisting unknown relationship", "scenario", g.ScenarioHash, "relationship", rel)
		}
	}
	return nil
}

// write runs one throttled write with linear backoff retries.
func (e *Engine) write(ctx context.Context, scenario, what, query string, params map[string]any) error {
	attempt := 0
	err := util.RetryErrWithBackoff(ctx, e.persistAttempts, util.LinearBackoff(e.persistBackoff), func(ctx context.Context) error {
		attempt++
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := e.driver.ExecuteWrite(ctx, query, params)
		if err != nil {
			logger.Warn("[Correlation] Graph write failed", "scenario", scenario, "batch", what, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrPersistence, what, attempt, err)
	}
	return nil
}

func edgePropsMap(p common.EdgeProperties) map[string]any {
	out := map[string]any{
		"source":     p.Source,
		"confidence": p.Confidence,
	}
	if v := propertyValue(p.Amount); v != nil {
		out["amount"] = v
	}
	for k, v := range map[string]string{
		"start_date":  p.StartDate,
		"end_date":    p.EndDate,
		"statute_ref": p.StatuteRef,
		"role":        p.Role,
		"loop_id":     p.LoopID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(p.Sources) > 0 {
		out["sources"] = p.Sources
	}
	if len(p.LoopIDs) > 0 {
		out["loop_ids"] = p.LoopIDs
	}
	return out
}

// flattenProps keeps only values the graph database can store as
// properties.
func flattenProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if pv := propertyValue(v); pv != nil {
			out[k] = pv
		}
	}
	return out
}

func propertyValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64:
		return x
	case int:
		return int64(x)
	case []string:
		return slices.Clone(x)
	}
	return fmt.Sprint(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
