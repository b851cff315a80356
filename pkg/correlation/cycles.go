package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/graphdb"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/google/uuid"
)

const (
	StrategyGraphQuery = "graph_query"
	StrategyInMemory   = "in_memory"
)

var loopNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lantern/loops"))

// LoopID is the UUIDv5 of the sorted edge ids, so the same edge set always
// yields the same id.
func LoopID(edgeIDs []string) string {
	sorted := slices.Clone(edgeIDs)
	slices.Sort(sorted)
	return uuid.NewSHA1(loopNamespace, []byte(strings.Join(sorted, ","))).String()
}

const cycleQuery = `MATCH p = (a:Entity)-[rels*%d..%d]->(a)
WHERE all(r IN rels WHERE r.scenario_hash = $scenario)
RETURN [r IN relationships(p) | r.id] AS edge_ids
LIMIT $limit`

const stampLoopsQuery = `UNWIND $stamps AS s
MATCH ()-[r {id: s.id}]->()
WHERE r.scenario_hash = $scenario
SET r.loop_id = s.loop_id, r.loop_ids = s.loop_ids`

// detectCycles finds circular flows in g and stamps the member edges. It
// prefers the graph database and falls back to an in-memory search; it
// never fails.
func (e *Engine) detectCycles(ctx context.Context, g *common.GraphSet, persisted bool) {
	var cycles [][]string
	strategy := StrategyInMemory

	if e.driver != nil && persisted {
		found, err := e.queryCycles(ctx, g)
		if err != nil {
			logger.Warn("[Correlation] Cycle query failed, searching in memory", "scenario", g.ScenarioHash, "err", err)
		} else {
			cycles = found
			strategy = StrategyGraphQuery
		}
	}
	if strategy == StrategyInMemory {
		cycles = FindCycles(g.Edges, e.minLoopLength, e.maxLoopLength, e.maxLoops)
	}

	g.Loops = g.Loops[:0]
	for _, c := range cycles {
		ids := slices.Clone(c)
		slices.Sort(ids)
		g.Loops = append(g.Loops, common.Loop{LoopID: LoopID(ids), EdgeIDs: ids})
	}
	slices.SortFunc(g.Loops, func(a, b common.Loop) int { return strings.Compare(a.LoopID, b.LoopID) })
	stampLoops(g)

	g.Metadata.LoopsDetected = len(g.Loops)
	g.Metadata.DetectionStrategy = strategy
	logger.Debug("[Correlation] Cycle detection finished", "scenario", g.ScenarioHash, "strategy", strategy, "loops", len(g.Loops))

	if e.driver != nil && persisted && len(g.Loops) > 0 {
		e.writeLoopStamps(ctx, g)
	}
}

func (e *Engine) queryCycles(ctx context.Context, g *common.GraphSet) ([][]string, error) {
	query := fmt.Sprintf(cycleQuery, e.minLoopLength, e.maxLoopLength)
	// every cycle is returned once per rotation
	records, err := e.driver.ExecuteRead(ctx, query, map[string]any{
		"scenario": g.ScenarioHash,
		"limit":    int64(e.maxLoops * e.maxLoopLength),
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]common.GraphEdge, len(g.Edges))
	for _, edge := range g.Edges {
		known[edge.ID] = edge
	}

	seen := map[string]bool{}
	var out [][]string
	for _, rec := range records {
		ids := rec.Strings("edge_ids")
		if !simpleCycle(ids, known) {
			continue
		}
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		k := strings.Join(sorted, ",")
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, sorted)
		if len(out) >= e.maxLoops {
			break
		}
	}
	return out, nil
}

// simpleCycle reports whether ids are all known edges forming a closed walk
// that visits no node twice.
func simpleCycle(ids []string, known map[string]common.GraphEdge) bool {
	if len(ids) == 0 {
		return false
	}
	visited := map[string]bool{}
	for i, id := range ids {
		edge, ok := known[id]
		if !ok {
			return false
		}
		next := known[ids[(i+1)%len(ids)]]
		if edge.ToID != next.FromID || visited[edge.FromID] {
			return false
		}
		visited[edge.FromID] = true
	}
	return true
}

// FindCycles enumerates simple directed cycles with minLen..maxLen edges.
// Each cycle is reported once, starting from its smallest node id, and the
// search stops after limit cycles.
func FindCycles(edges []common.GraphEdge, minLen, maxLen, limit int) [][]string {
	adj := map[string][]common.GraphEdge{}
	nodeSet := map[string]bool{}
	for _, edge := range edges {
		if edge.FromID == edge.ToID {
			continue
		}
		adj[edge.FromID] = append(adj[edge.FromID], edge)
		nodeSet[edge.FromID] = true
		nodeSet[edge.ToID] = true
	}
	for k := range adj {
		slices.SortFunc(adj[k], func(a, b common.GraphEdge) int { return strings.Compare(a.ID, b.ID) })
	}
	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	var out [][]string
	var path []string
	onPath := map[string]bool{}

	var dfs func(start, at string) bool
	dfs = func(start, at string) bool {
		for _, edge := range adj[at] {
			if edge.ToID == start {
				if n := len(path) + 1; n >= minLen && n <= maxLen {
					out = append(out, append(slices.Clone(path), edge.ID))
					if limit > 0 && len(out) >= limit {
						return false
					}
				}
				continue
			}
			// nodes smaller than start were already used as starts
			if edge.ToID < start || onPath[edge.ToID] || len(path)+1 >= maxLen {
				continue
			}
			path = append(path, edge.ID)
			onPath[edge.ToID] = true
			ok := dfs(start, edge.ToID)
			onPath[edge.ToID] = false
			path = path[:len(path)-1]
			if !ok {
				return false
			}
		}
		return true
	}

	for _, start := range nodes {
		onPath[start] = true
		ok := dfs(start, start)
		onPath[start] = false
		if !ok {
			break
		}
	}
	return out
}

// stampLoops sets LoopIDs on every edge of every loop; LoopID is the first.
func stampLoops(g *common.GraphSet) {
	idx := make(map[string]int, len(g.Edges))
	for i := range g.Edges {
		idx[g.Edges[i].ID] = i
		g.Edges[i].Properties.LoopID = ""
		g.Edges[i].Properties.LoopIDs = nil
	}
	for _, loop := range g.Loops {
		for _, id := range loop.EdgeIDs {
			i, ok := idx[id]
			if !ok {
				continue
			}
			p := &g.Edges[i].Properties
			p.LoopIDs = append(p.LoopIDs, loop.LoopID)
			if p.LoopID == "" {
				p.LoopID = loop.LoopID
			}
		}
	}
}

func (e *Engine) writeLoopStamps(ctx context.Context, g *common.GraphSet) {
	var stamps []map[string]any
	for _, edge := range g.Edges {
		if edge.Properties.LoopID == "" {
			continue
		}
		stamps = append(stamps, map[string]any{
			"id":       edge.ID,
			"loop_id":  edge.Properties.LoopID,
			"loop_ids": edge.Properties.LoopIDs,
		})
	}
	err := e.write(ctx, g.ScenarioHash, "loop_stamps", stampLoopsQuery, map[string]any{
		"scenario": g.ScenarioHash,
		"stamps":   stamps,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("[Correlation] Could not write loop stamps", "scenario", g.ScenarioHash, "err", err)
	}
}

// graphAvailable reports whether scenario reads and deletes can be served.
func (e *Engine) graphAvailable() error {
	if e.driver == nil {
		return graphdb.ErrUnavailable
	}
	return nil
}
