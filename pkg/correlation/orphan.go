package correlation

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
)

// ErrNoData is returned by a DataSource that has nothing on an entity.
// It is not a collection failure.
var ErrNoData = errors.New("no data for entity")

// OrphanRequest hands a policy one orphan and the graph built so far.
type OrphanRequest struct {
	ScenarioHash string
	Orphan       common.GraphNode
	// Identifiers is the full identifier set the orphan was resolved with.
	Identifiers map[string]string
	Graph       *common.GraphSet
}

// OrphanLinks is what a policy proposes for an orphan. Edges are added as
// they are; Facts go through the regular merge.
type OrphanLinks struct {
	Edges []common.GraphEdge
	Facts []common.RawFact
}

// OrphanPolicy proposes links for nodes that have no incident edge.
type OrphanPolicy interface {
	Name() string
	Link(ctx context.Context, req OrphanRequest) (*OrphanLinks, error)
}

const (
	associationConfidence = 0.3
	minTokenOverlap       = 0.5
)

// SharedAttributePolicy associates an orphan with connected nodes that share
// its normalized address or at least half of its name tokens.
type SharedAttributePolicy struct {
	// MaxLinks caps the associations per orphan. Zero means 3.
	MaxLinks int
}

func (p SharedAttributePolicy) Name() string { return "shared_attribute" }

func (p SharedAttributePolicy) Link(ctx context.Context, req OrphanRequest) (*OrphanLinks, error) {
	limit := p.MaxLinks
	if limit <= 0 {
		limit = 3
	}

	connected := connectedNodes(req.Graph)
	orphanAddr, _ := req.Orphan.Properties["address"].(string)
	orphanName, _ := req.Orphan.Properties["name"].(string)
	orphanTokens := identity.NameTokens(orphanName)

	type match struct {
		node  common.GraphNode
		score float64
	}
	var matches []match
	for _, n := range req.Graph.Nodes {
		if n.ID == req.Orphan.ID || !connected[n.ID] {
			continue
		}
		score := 0.0
		if addr, _ := n.Properties["address"].(string); orphanAddr != "" && addr == orphanAddr {
			score = 1
		}
		if name, _ := n.Properties["name"].(string); score == 0 && len(orphanTokens) > 0 {
			if j := jaccard(orphanTokens, identity.NameTokens(name)); j >= minTokenOverlap {
				score = j
			}
		}
		if score > 0 {
			matches = append(matches, match{node: n, score: score})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	slices.SortFunc(matches, func(a, b match) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.node.ID < b.node.ID {
			return -1
		}
		return 1
	})

	links := &OrphanLinks{}
	for _, m := range matches[:min(limit, len(matches))] {
		props := common.EdgeProperties{
			Source:     "inference:" + p.Name(),
			Confidence: associationConfidence,
		}
		links.Edges = append(links.Edges, common.GraphEdge{
			ID:           EdgeID(req.ScenarioHash, req.Orphan.ID, m.node.ID, common.RelAssociatedWith, props),
			FromID:       req.Orphan.ID,
			ToID:         m.node.ID,
			Relationship: common.RelAssociatedWith,
			Properties:   props,
		})
	}
	return links, nil
}

// DataSource looks up further facts about an entity, for example from an
// external registry.
type DataSource interface {
	FactsFor(ctx context.Context, node common.GraphNode) ([]common.RawFact, error)
}

// DataSourcePolicy asks a DataSource about each orphan and feeds the returned
// facts back into the merge. Facts about the orphan itself carry its full
// identifier set, so a source that knows only one of them still resolves
// to the orphan's node.
type DataSourcePolicy struct {
	Source DataSource
}

func (p DataSourcePolicy) Name() string { return "data_source" }

func (p DataSourcePolicy) Link(ctx context.Context, req OrphanRequest) (*OrphanLinks, error) {
	if p.Source == nil {
		return nil, nil
	}
	facts, err := p.Source.FactsFor(ctx, req.Orphan)
	if err != nil {
		return nil, err
	}
	seeded := make([]common.RawFact, len(facts))
	for i, f := range facts {
		seeded[i] = withIdentifiers(f, req.Identifiers)
	}
	return &OrphanLinks{Facts: seeded}, nil
}

// withIdentifiers adds the identifiers in ids that f does not carry yet,
// provided f's subject is one of them. f.Payload is not modified.
func withIdentifiers(f common.RawFact, ids map[string]string) common.RawFact {
	subject, err := ParseEntityID(f.EntityID)
	if err != nil || len(ids) == 0 {
		return f
	}
	match := false
	for t, v := range ids {
		if canonicalType(t) == subject.Type && common.CanonicalIDValue(v) == common.CanonicalIDValue(subject.Value) {
			match = true
			break
		}
	}
	if !match {
		return f
	}

	extra := map[string]any{}
	if cur, ok := f.Payload["identifiers"].(map[string]any); ok {
		maps.Copy(extra, cur)
	}
	have := map[string]bool{subject.Type: true}
	for t := range extra {
		have[canonicalType(t)] = true
	}
	for t, v := range ids {
		if ct := canonicalType(t); !have[ct] {
			extra[ct] = v
			have[ct] = true
		}
	}

	payload := maps.Clone(f.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["identifiers"] = extra
	f.Payload = payload
	return f
}

// linkOrphans runs the configured policies for every node without an
// incident edge. Policy failures are logged and never abort the stage.
func (e *Engine) linkOrphans(ctx context.Context, b *graphBuilder, stats *mergeStats) (found, linked int, err error) {
	g := b.graph()
	connected := connectedNodes(g)
	var orphans []common.GraphNode
	for _, n := range g.Nodes {
		if !connected[n.ID] {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) == 0 {
		return 0, 0, nil
	}
	logger.Debug("[Correlation] Orphans found", "scenario", b.scenario, "count", len(orphans))

	for _, orphan := range orphans {
		for _, policy := range e.orphanPolicies {
			if err := ctx.Err(); err != nil {
				return len(orphans), 0, err
			}
			req := OrphanRequest{
				ScenarioHash: b.scenario,
				Orphan:       orphan,
				Identifiers:  maps.Clone(b.nodes[orphan.ID].ids),
				Graph:        g,
			}
			links, err := policy.Link(ctx, req)
			switch {
			case errors.Is(err, ErrNoData):
				logger.Debug("[Correlation] No data for orphan", "scenario", b.scenario, "policy", policy.Name(), "entity", orphan.ID)
				continue
			case err != nil:
				logger.Warn("[Correlation] Orphan policy failed", "scenario", b.scenario, "policy", policy.Name(), "entity", orphan.ID, "err", err)
				continue
			case links == nil:
				continue
			}

			for _, edge := range links.Edges {
				if _, ok := b.nodes[edge.FromID]; !ok {
					continue
				}
				if _, ok := b.nodes[edge.ToID]; !ok {
					continue
				}
				b.addEdge(edge)
			}
			if len(links.Facts) > 0 {
				extra, err := e.merge(ctx, b, links.Facts)
				if err != nil {
					return len(orphans), 0, err
				}
				stats.factsTotal += extra.factsTotal
				stats.factsSkipped += extra.factsSkipped
				stats.conflictsResolved += extra.conflictsResolved
			}
		}
	}

	after := connectedNodes(b.graph())
	for _, orphan := range orphans {
		if after[orphan.ID] {
			linked++
		}
	}
	return len(orphans), linked, nil
}

func connectedNodes(g *common.GraphSet) map[string]bool {
	out := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.FromID] = true
		out[e.ToID] = true
	}
	return out
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := map[string]bool{}
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
