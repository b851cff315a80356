package analyst

import (
	"errors"
	"fmt"
	"math"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"

	"github.com/google/cel-go/cel"
)

// Thresholds are the fixed cut-offs of the rule set and the hybrid scoring.
type Thresholds struct {
	HighContractCount     float64 `yaml:"high_contract_count"`
	HighDonationFrequency float64 `yaml:"high_donation_frequency"`
	// MinConfidence is the statistical confidence below which only rules count.
	MinConfidence float64 `yaml:"min_confidence"`
	RulesWeight   float64 `yaml:"rules_weight"`
	FlagThreshold float64 `yaml:"flag_threshold"`
	SubFlag       float64 `yaml:"sub_flag_threshold"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighContractCount:     3,
		HighDonationFrequency: 3,
		MinConfidence:         0.65,
		RulesWeight:           0.7,
		FlagThreshold:         0.8,
		SubFlag:               0.7,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.HighContractCount <= 0 {
		t.HighContractCount = d.HighContractCount
	}
	if t.HighDonationFrequency <= 0 {
		t.HighDonationFrequency = d.HighDonationFrequency
	}
	if t.MinConfidence <= 0 {
		t.MinConfidence = d.MinConfidence
	}
	if t.RulesWeight <= 0 || t.RulesWeight > 1 {
		t.RulesWeight = d.RulesWeight
	}
	if t.FlagThreshold <= 0 {
		t.FlagThreshold = d.FlagThreshold
	}
	if t.SubFlag <= 0 {
		t.SubFlag = d.SubFlag
	}
	return t
}

// Validate rejects cut-offs the hybrid scoring cannot honor. Zero fields
// take their default before the cross-field checks.
func (t Thresholds) Validate() error {
	var errs []error
	if t.HighContractCount < 0 {
		errs = append(errs, fmt.Errorf("high_contract_count must not be negative, got %v", t.HighContractCount))
	}
	if t.HighDonationFrequency < 0 {
		errs = append(errs, fmt.Errorf("high_donation_frequency must not be negative, got %v", t.HighDonationFrequency))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"min_confidence", t.MinConfidence},
		{"rules_weight", t.RulesWeight},
		{"flag_threshold", t.FlagThreshold},
		{"sub_flag_threshold", t.SubFlag},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0,1], got %v", f.name, f.v))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	eff := t.withDefaults()
	if floor := DefaultThresholds().MinConfidence; eff.MinConfidence < floor {
		errs = append(errs, fmt.Errorf("min_confidence must be at least %v, got %v", floor, eff.MinConfidence))
	}
	// a mean at flag_threshold must leave one dimension above sub_flag_threshold
	if eff.SubFlag >= eff.FlagThreshold {
		errs = append(errs, fmt.Errorf("sub_flag_threshold %v must be below flag_threshold %v", eff.SubFlag, eff.FlagThreshold))
	}
	return errors.Join(errs...)
}

// applyRules maps features to the deterministic risk vector.
func applyRules(f common.FeatureVector, t Thresholds) common.RiskVector {
	var r common.RiskVector

	switch {
	case f.ContractCount >= t.HighContractCount && f.DonationFrequency >= t.HighDonationFrequency:
		r.ConflictOfInterest = 0.8
	case f.CommonOfficerCount > 0 && f.ContractCount > 0:
		r.ConflictOfInterest = 0.5
	case f.ContractCount > 0 && f.DonationFrequency > 0:
		r.ConflictOfInterest = 0.4
	}

	switch z := math.Abs(f.FinancialZScore); {
	case z >= 3:
		r.FinancialAnomaly = 0.9
	case z >= 2:
		r.FinancialAnomaly = 0.6
	case z >= 1:
		r.FinancialAnomaly = 0.3
	}

	if f.LoopCount > 0 {
		r.RegulatoryViolation = min(1, 0.7+0.1*(f.LoopCount-1))
	}

	r.TransparencyGap = clamp01(1 - f.MeanConfidence)

	switch {
	case f.LobbyingSpend >= 1_000_000:
		r.InfluenceConcentration = 0.9
	case f.LobbyingSpend >= 100_000:
		r.InfluenceConcentration = 0.6
	case f.LobbyingSpend >= 10_000:
		r.InfluenceConcentration = 0.3
	}
	if f.DonationFrequency >= 5 {
		r.InfluenceConcentration = max(r.InfluenceConcentration, 0.7)
	}
	return r
}

// CustomRule raises one risk dimension to Score when Expression, a CEL
// boolean over the feature names, holds. Example:
//
//	contract_count >= 5.0 && loop_count > 0.0
type CustomRule struct {
	Name       string  `yaml:"name"`
	Dimension  string  `yaml:"dimension"`
	Expression string  `yaml:"expression"`
	Score      float64 `yaml:"score"`
}

type compiledRule struct {
	rule    CustomRule
	program cel.Program
}

var featureVars = []string{
	"financial_zscore",
	"common_officer_count",
	"lobbying_spend",
	"contract_count",
	"donation_frequency",
	"loop_count",
	"mean_confidence",
}

func compileRules(rules []CustomRule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	opts := make([]cel.EnvOption, 0, len(featureVars))
	for _, v := range featureVars {
		opts = append(opts, cel.Variable(v, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}

	valid := map[string]bool{}
	for _, d := range (common.RiskVector{}).Dimensions() {
		valid[d.Name] = true
	}

	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !valid[r.Dimension] {
			return nil, fmt.Errorf("rule %q: unknown dimension %q", r.Name, r.Dimension)
		}
		if r.Score < 0 || r.Score > 1 {
			return nil, fmt.Errorf("rule %q: score %v outside [0,1]", r.Name, r.Score)
		}
		ast, iss := env.Compile(r.Expression)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		out = append(out, compiledRule{rule: r, program: prg})
	}
	return out, nil
}

func featureActivation(f common.FeatureVector) map[string]any {
	return map[string]any{
		"financial_zscore":     f.FinancialZScore,
		"common_officer_count": f.CommonOfficerCount,
		"lobbying_spend":       f.LobbyingSpend,
		"contract_count":       f.ContractCount,
		"donation_frequency":   f.DonationFrequency,
		"loop_count":           f.LoopCount,
		"mean_confidence":      f.MeanConfidence,
	}
}

// applyCustomRules raises dimensions of r for every matching rule. A rule
// that fails to evaluate is reported and skipped.
func applyCustomRules(r common.RiskVector, f common.FeatureVector, rules []compiledRule) (common.RiskVector, []error) {
	if len(rules) == 0 {
		return r, nil
	}
	act := featureActivation(f)
	var errs []error
	for _, cr := range rules {
		val, _, err := cr.program.Eval(act)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cr.rule.Name, err))
			continue
		}
		hit, ok := val.Value().(bool)
		if !ok {
			errs = append(errs, fmt.Errorf("rule %q: expression is not boolean", cr.rule.Name))
			continue
		}
		if hit {
			r = raise(r, cr.rule.Dimension, cr.rule.Score)
		}
	}
	return r, errs
}

func raise(r common.RiskVector, dim string, score float64) common.RiskVector {
	switch dim {
	case common.DimConflictOfInterest:
		r.ConflictOfInterest = max(r.ConflictOfInterest, score)
	case common.DimFinancialAnomaly:
		r.FinancialAnomaly = max(r.FinancialAnomaly, score)
	case common.DimRegulatoryViolation:
		r.RegulatoryViolation = max(r.RegulatoryViolation, score)
	case common.DimTransparencyGap:
		r.TransparencyGap = max(r.TransparencyGap, score)
	case common.DimInfluenceConcentration:
		r.InfluenceConcentration = max(r.InfluenceConcentration, score)
	}
	return r
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(1, v))
}
