package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// unionFind groups identifiers that appear together on one endpoint.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(x, y string) {
	px, py := u.find(x), u.find(y)
	if px == py {
		return
	}
	// smaller root wins so the result does not depend on union order
	if px < py {
		u.parent[py] = px
	} else {
		u.parent[px] = py
	}
}

func idToken(t, v string) string {
	return common.CanonicalIDType(t) + "\x00" + common.CanonicalIDValue(v)
}

// resolveRequest is one identifier set to hand to the linker.
type resolveRequest struct {
	ids           map[string]string
	names         []string
	jurisdictions []string
}

type resolveResult struct {
	res *identity.Resolution
	err error
}

// graphBuilder accumulates nodes and edges; merging the same node or edge
// twice is idempotent.
type graphBuilder struct {
	scenario string
	nodes    map[string]*nodeState
	edges    map[string]*common.GraphEdge
}

type nodeState struct {
	node    common.GraphNode
	typ     typeCandidate
	sources map[string]struct{}
	// ids is the identifier set the node was resolved with
	ids map[string]string
}

func newGraphBuilder(scenario string) *graphBuilder {
	return &graphBuilder{
		scenario: scenario,
		nodes:    make(map[string]*nodeState),
		edges:    make(map[string]*common.GraphEdge),
	}
}

func (b *graphBuilder) addNode(e common.CanonicalEntity, ep endpoint, source string) {
	st, ok := b.nodes[e.EntityKey]
	if !ok {
		st = &nodeState{
			node: common.GraphNode{
				ID:         e.EntityKey,
				Properties: map[string]any{},
			},
			typ:     ep.nodeType,
			sources: map[string]struct{}{},
		}
		b.nodes[e.EntityKey] = st
	} else if ep.nodeType.better(st.typ) {
		st.typ = ep.nodeType
	}
	st.node.Type = st.typ.nodeType
	st.ids = e.IdentifierMap()
	st.node.Properties["name"] = e.NameNorm
	st.node.Properties["primary_id"] = e.PrimaryID.Type + ":" + e.PrimaryID.Value
	if e.Jurisdiction != "" {
		st.node.Properties["jurisdiction"] = e.Jurisdiction
	}
	if len(e.Aliases) > 0 {
		st.node.Properties["aliases"] = slices.Clone(e.Aliases)
	}
	if ep.address != "" {
		if cur, ok := st.node.Properties["address"].(string); !ok || ep.address < cur {
			st.node.Properties["address"] = ep.address
		}
	}
	if source != "" {
		st.sources[source] = struct{}{}
	}
}

func (b *graphBuilder) addEdge(edge common.GraphEdge) {
	cur, ok := b.edges[edge.ID]
	if !ok {
		if edge.Properties.Source != "" {
			edge.Properties.Sources = []string{edge.Properties.Source}
		}
		b.edges[edge.ID] = &edge
		return
	}
	cur.Properties.Confidence = max(cur.Properties.Confidence, edge.Properties.Confidence)
	if s := edge.Properties.Source; s != "" && !slices.Contains(cur.Properties.Sources, s) {
		cur.Properties.Sources = append(cur.Properties.Sources, s)
		slices.Sort(cur.Properties.Sources)
		cur.Properties.Source = cur.Properties.Sources[0]
	}
}

// graph returns the accumulated nodes and edges sorted by id.
func (b *graphBuilder) graph() *common.GraphSet {
	g := &common.GraphSet{ScenarioHash: b.scenario}
	for _, st := range b.nodes {
		n := st.node
		n.SourceDerivation = make([]string, 0, len(st.sources))
		for s := range st.sources {
			n.SourceDerivation = append(n.SourceDerivation, s)
		}
		slices.Sort(n.SourceDerivation)
		g.Nodes = append(g.Nodes, n)
	}
	for _, e := range b.edges {
		g.Edges = append(g.Edges, *e)
	}
	slices.SortFunc(g.Nodes, func(a, b common.GraphNode) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(g.Edges, func(a, b common.GraphEdge) int { return strings.Compare(a.ID, b.ID) })
	return g
}

// EdgeID is the digest of everything that makes an edge distinct.
func EdgeID(scenario, from, to string, rel common.Relationship, props common.EdgeProperties) string {
	b, _ := json.Marshal(struct {
		Scenario   string `json:"s"`
		From       string `json:"f"`
		To         string `json:"t"`
		Rel        string `json:"r"`
		Amount     any    `json:"a,omitempty"`
		StartDate  string `json:"sd,omitempty"`
		EndDate    string `json:"ed,omitempty"`
		StatuteRef string `json:"st,omitempty"`
		Role       string `json:"ro,omitempty"`
	}{scenario, from, to, string(rel), props.Amount, props.StartDate, props.EndDate, props.StatuteRef, props.Role})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type mergeStats struct {
	factsTotal        int
	factsSkipped      int
	entitiesResolved  int
	conflictsResolved int
}

// merge parses facts, groups identifiers connected within the batch,
// resolves every group once and derives typed edges into b.
func (e *Engine) merge(ctx context.Context, b *graphBuilder, facts []common.RawFact) (mergeStats, error) {
	stats := mergeStats{factsTotal: len(facts)}

	parsed := make([]*parsedFact, 0, len(facts))
	for i, f := range facts {
		pf, err := parseFact(i, f, e.defaultConfidence)
		if err != nil {
			logger.Warn("[Correlation] Skipping fact", "scenario", b.scenario, "index", i, "entity", f.EntityID, "err", err)
			stats.factsSkipped++
			continue
		}
		parsed = append(parsed, pf)
	}

	uf := newUnionFind()
	endpoints := make([]*endpoint, 0, len(parsed)*2)
	for _, pf := range parsed {
		endpoints = append(endpoints, &pf.subject)
		if pf.counter != nil {
			endpoints = append(endpoints, pf.counter)
		}
	}
	for _, ep := range endpoints {
		var first string
		for t, v := range ep.ids {
			tok := idToken(t, v)
			if first == "" {
				first = tok
			}
			uf.union(first, tok)
		}
	}

	// canonical values per type and component; more than one value for a
	// type means the component cannot be one entity
	compValues := map[string]map[string]map[string]struct{}{}
	compSource := map[string]map[string]string{}
	for _, ep := range endpoints {
		for t, v := range ep.ids {
			root := uf.find(idToken(t, v))
			if compValues[root] == nil {
				compValues[root] = map[string]map[string]struct{}{}
				compSource[root] = map[string]string{}
			}
			ct := common.CanonicalIDType(t)
			if compValues[root][ct] == nil {
				compValues[root][ct] = map[string]struct{}{}
			}
			compValues[root][ct][common.CanonicalIDValue(v)] = struct{}{}
			tv := strings.TrimSpace(v)
			if cur, ok := compSource[root][ct]; !ok || tv < cur {
				compSource[root][ct] = tv
			}
		}
	}
	ambiguous := map[string]bool{}
	for root, byType := range compValues {
		for t, vals := range byType {
			if len(vals) > 1 {
				ambiguous[root] = true
				logger.Warn("[Correlation] Conflicting identifiers in one group, resolving separately", "scenario", b.scenario, "type", t, "values", len(vals))
				break
			}
		}
	}

	requests := map[string]*resolveRequest{}
	requestOf := map[*endpoint]string{}
	sourceSets := map[string]struct{}{}
	for _, ep := range endpoints {
		var ids map[string]string
		var root string
		for t, v := range ep.ids {
			root = uf.find(idToken(t, v))
			break
		}
		if ambiguous[root] {
			ids = ep.ids
		} else {
			ids = compSource[root]
		}
		key := identity.ComputeKey(ids)
		req, ok := requests[key]
		if !ok {
			req = &resolveRequest{ids: ids}
			requests[key] = req
		}
		if n := strings.TrimSpace(ep.name); n != "" && !slices.Contains(req.names, n) {
			req.names = append(req.names, n)
		}
		if j := strings.TrimSpace(ep.jurisdiction); j != "" && !slices.Contains(req.jurisdictions, j) {
			req.jurisdictions = append(req.jurisdictions, j)
		}
		requestOf[ep] = key
		sourceSets[sourceSetKey(ep.ids)] = struct{}{}
	}

	results, err := e.resolveAll(ctx, requests)
	if err != nil {
		return stats, err
	}

	resolved := map[string]struct{}{}
	for _, pf := range parsed {
		subj := results[requestOf[&pf.subject]]
		if subj.err != nil {
			logger.Warn("[Correlation] Skipping fact, subject unresolved", "scenario", b.scenario, "index", pf.index, "entity", pf.fact.EntityID, "err", subj.err)
			stats.factsSkipped++
			continue
		}
		var counter *resolveResult
		if pf.counter != nil {
			counter = results[requestOf[pf.counter]]
			if counter.err != nil {
				logger.Warn("[Correlation] Skipping fact, counterparty unresolved", "scenario", b.scenario, "index", pf.index, "entity", pf.fact.EntityID, "err", counter.err)
				stats.factsSkipped++
				continue
			}
		}

		b.addNode(subj.res.Entity, pf.subject, pf.fact.SourceURL)
		resolved[subj.res.Entity.EntityKey] = struct{}{}
		if counter == nil {
			continue
		}
		b.addNode(counter.res.Entity, *pf.counter, pf.fact.SourceURL)
		resolved[counter.res.Entity.EntityKey] = struct{}{}

		from, to := subj.res.Entity.EntityKey, counter.res.Entity.EntityKey
		props := pf.props
		b.addEdge(common.GraphEdge{
			ID:           EdgeID(b.scenario, from, to, pf.rule.rel, props),
			FromID:       from,
			ToID:         to,
			Relationship: pf.rule.rel,
			Properties:   props,
		})
	}

	stats.entitiesResolved = len(resolved)
	stats.conflictsResolved = max(len(sourceSets)-len(requests), 0)
	return stats, nil
}

// resolveAll canonicalizes every request, bounded by ParallelResolutions.
// Per-request failures are returned in the result map; only context
// cancellation aborts.
func (e *Engine) resolveAll(ctx context.Context, requests map[string]*resolveRequest) (map[string]*resolveResult, error) {
	keys := make([]string, 0, len(requests))
	for k := range requests {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var mu sync.Mutex
	results := make(map[string]*resolveResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelResolutions)
	for _, k := range keys {
		req := requests[k]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.resolveOne(gctx, req)
			mu.Lock()
			results[k] = &resolveResult{res: res, err: err}
			mu.Unlock()
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) resolveOne(ctx context.Context, req *resolveRequest) (*identity.Resolution, error) {
	slices.Sort(req.names)
	slices.Sort(req.jurisdictions)
	jurisdiction := ""
	if len(req.jurisdictions) > 0 {
		jurisdiction = req.jurisdictions[0]
	}
	name := ""
	if len(req.names) > 0 {
		name = req.names[0]
	}
	res, err := e.resolver.Resolve(ctx, name, req.ids, jurisdiction)
	if err != nil {
		return nil, err
	}
	// record the remaining names as aliases
	for _, alias := range req.names[min(1, len(req.names)):] {
		next, err := e.resolver.Resolve(ctx, alias, req.ids, jurisdiction)
		if err != nil {
			return nil, err
		}
		next.Created = next.Created || res.Created
		res = next
	}
	return res, nil
}

func sourceSetKey(ids map[string]string) string {
	parts := make([]string, 0, len(ids))
	for t, v := range ids {
		parts = append(parts, common.CanonicalIDType(t)+"="+strings.TrimSpace(v))
	}
	slices.Sort(parts)
	return strings.Join(parts, "&")
}
