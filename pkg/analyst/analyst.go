// Package analyst scores the entities of a correlated graph on five risk
// dimensions and flags the ones above threshold.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

var ErrNoGraph = errors.New("no graph to analyze")

type EngineParams struct {
	// Scorer is optional; without one every entity is scored on rules only.
	Scorer      Scorer
	CustomRules []CustomRule
	Thresholds  Thresholds
	// ParallelScoring bounds concurrent Scorer calls. Zero means 8.
	ParallelScoring int
}

type Engine struct {
	scorer     Scorer
	rules      []compiledRule
	thresholds Thresholds
	parallel   int
}

func NewEngine(params EngineParams) (*Engine, error) {
	if err := params.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	rules, err := compileRules(params.CustomRules)
	if err != nil {
		return nil, err
	}
	if params.ParallelScoring <= 0 {
		params.ParallelScoring = 8
	}
	return &Engine{
		scorer:     params.Scorer,
		rules:      rules,
		thresholds: params.Thresholds.withDefaults(),
		parallel:   params.ParallelScoring,
	}, nil
}

// Analyze scores every node of g. Per-entity problems (feature gaps,
// scorer errors, failing custom rules) are recorded and never abort.
func (e *Engine) Analyze(ctx context.Context, g *common.GraphSet) (*common.ScoredSet, error) {
	if g == nil {
		return nil, ErrNoGraph
	}
	start := time.Now()
	features := extractFeatures(g)

	var population []common.FeatureVector
	for _, n := range g.Nodes {
		if f := features[n.ID]; f.gap == "" {
			population = append(population, f.vector)
		}
	}

	scored := make([]common.ScoredEntity, len(g.Nodes))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.parallel)
	for i, n := range g.Nodes {
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scored[i] = e.scoreEntity(gctx, n, features[n.ID], population)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	set := &common.ScoredSet{
		ScenarioHash: g.ScenarioHash,
		Entities:     scored,
		Violations:   []common.ScoredEntity{},
		Gaps:         []common.FeatureGap{},
	}
	slices.SortFunc(set.Entities, func(a, b common.ScoredEntity) int { return strings.Compare(a.EntityID, b.EntityID) })

	var confSum, scoreSum float64
	for _, s := range set.Entities {
		confSum += s.Confidence
		scoreSum += s.TotalScore
		if s.RulesOnly {
			set.Metadata.RulesOnlyCount++
		}
		if s.FeatureGap {
			set.Gaps = append(set.Gaps, common.FeatureGap{EntityID: s.EntityID, Reason: features[s.EntityID].gap})
		}
		if s.Flagged() {
			set.Violations = append(set.Violations, s)
		}
	}
	slices.SortStableFunc(set.Violations, func(a, b common.ScoredEntity) int {
		switch {
		case a.TotalScore > b.TotalScore:
			return -1
		case a.TotalScore < b.TotalScore:
			return 1
		}
		return 0
	})

	total := len(set.Entities)
	set.Metadata.EntityCount = total
	set.Metadata.GapCount = len(set.Gaps)
	if total > 0 {
		set.Metadata.MeanConfidence = confSum / float64(total)
		set.Metadata.MeanScore = scoreSum / float64(total)
		set.Metadata.FlagPrecision = float64(len(set.Violations)) / float64(total)
	}

	logger.Info("[Analyst] Scenario analyzed", "scenario", g.ScenarioHash,
		"entities", total, "violations", len(set.Violations), "gaps", len(set.Gaps),
		"rules_only", set.Metadata.RulesOnlyCount, "duration", time.Since(start))
	return set, nil
}

func (e *Engine) scoreEntity(ctx context.Context, n common.GraphNode, f *nodeFeatures, population []common.FeatureVector) common.ScoredEntity {
	s := common.ScoredEntity{
		EntityID:   n.ID,
		Type:       n.Type,
		Features:   f.vector,
		FeatureGap: f.gap != "",
	}
	if s.FeatureGap {
		logger.Warn("[Analyst] Feature gap, scoring on zero features", "entity", n.ID, "reason", f.gap)
	}

	rules := applyRules(f.vector, e.thresholds)
	rules, errs := applyCustomRules(rules, f.vector, e.rules)
	for _, err := range errs {
		logger.Warn("[Analyst] Custom rule failed", "entity", n.ID, "err", err)
	}
	s.Rules = rules

	var confidence float64
	if e.scorer != nil {
		stat, conf, err := e.scorer.Score(ctx, ScoreInput{EntityID: n.ID, Type: n.Type, Features: f.vector, Population: population})
		if err != nil {
			logger.Warn("[Analyst] Scorer failed, using rules only", "entity", n.ID, "err", err)
		} else {
			stat = clampVector(stat)
			s.Statistical = &stat
			confidence = clamp01(conf)
		}
	}
	s.Confidence = confidence

	if s.Statistical == nil || confidence < e.thresholds.MinConfidence {
		s.RulesOnly = true
		s.Risk = rules
	} else {
		s.Risk = blend(rules, *s.Statistical, e.thresholds.RulesWeight)
	}

	s.TotalScore = s.Risk.Mean()
	if s.TotalScore >= e.thresholds.FlagThreshold {
		for _, d := range s.Risk.Dimensions() {
			if d.Value > e.thresholds.SubFlag {
				s.ViolationFlags = append(s.ViolationFlags, common.ViolationFlag{Dimension: d.Name, Score: d.Value})
			}
		}
	}
	return s
}

func blend(rules, stat common.RiskVector, w float64) common.RiskVector {
	mix := func(a, b float64) float64 { return clamp01(w*a + (1-w)*b) }
	return common.RiskVector{
		ConflictOfInterest:     mix(rules.ConflictOfInterest, stat.ConflictOfInterest),
		FinancialAnomaly:       mix(rules.FinancialAnomaly, stat.FinancialAnomaly),
		RegulatoryViolation:    mix(rules.RegulatoryViolation, stat.RegulatoryViolation),
		TransparencyGap:        mix(rules.TransparencyGap, stat.TransparencyGap),
		InfluenceConcentration: mix(rules.InfluenceConcentration, stat.InfluenceConcentration),
	}
}

func clampVector(r common.RiskVector) common.RiskVector {
	return common.RiskVector{
		ConflictOfInterest:     clamp01(r.ConflictOfInterest),
		FinancialAnomaly:       clamp01(r.FinancialAnomaly),
		RegulatoryViolation:    clamp01(r.RegulatoryViolation),
		TransparencyGap:        clamp01(r.TransparencyGap),
		InfluenceConcentration: clamp01(r.InfluenceConcentration),
	}
}
