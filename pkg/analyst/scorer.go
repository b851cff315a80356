package analyst

import (
	"context"
	"math"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
)

// ScoreInput is what a Scorer sees for one entity. Population holds the
// feature vectors of every entity of the graph without a feature gap.
type ScoreInput struct {
	EntityID   string
	Type       common.NodeType
	Features   common.FeatureVector
	Population []common.FeatureVector
}

// Scorer produces a statistical risk vector and the confidence in it.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (common.RiskVector, float64, error)
}

// StaticScorer returns the same answer for every entity.
type StaticScorer struct {
	Risk       common.RiskVector
	Confidence float64
	Err        error
}

func (s StaticScorer) Score(context.Context, ScoreInput) (common.RiskVector, float64, error) {
	return s.Risk, s.Confidence, s.Err
}

// ZScoreScorer rates how far an entity's features sit above the population
// mean. Each z-score above zero maps through a logistic curve to [0,1).
// Confidence grows with population size and with the share of non-zero
// features.
type ZScoreScorer struct {
	// HalfPopulation is the population size at which the size factor of
	// the confidence reaches 0.5. Zero means 10.
	HalfPopulation int
}

func (s ZScoreScorer) Score(ctx context.Context, in ScoreInput) (common.RiskVector, float64, error) {
	if err := ctx.Err(); err != nil {
		return common.RiskVector{}, 0, err
	}
	half := s.HalfPopulation
	if half <= 0 {
		half = 10
	}

	pop := in.Population
	f := in.Features
	column := func(get func(common.FeatureVector) float64) float64 {
		vals := make([]float64, len(pop))
		for i, p := range pop {
			vals[i] = get(p)
		}
		mean, std := meanStd(vals)
		if std == 0 {
			return 0
		}
		return squash((get(f) - mean) / std)
	}

	contracts := column(func(v common.FeatureVector) float64 { return v.ContractCount })
	donations := column(func(v common.FeatureVector) float64 { return v.DonationFrequency })
	officers := column(func(v common.FeatureVector) float64 { return v.CommonOfficerCount })
	lobbying := column(func(v common.FeatureVector) float64 { return v.LobbyingSpend })
	loops := column(func(v common.FeatureVector) float64 { return v.LoopCount })
	lowConfidence := column(func(v common.FeatureVector) float64 { return -v.MeanConfidence })

	risk := common.RiskVector{
		ConflictOfInterest:     max(min(contracts, donations), officers),
		FinancialAnomaly:       squash(math.Abs(f.FinancialZScore)),
		RegulatoryViolation:    loops,
		TransparencyGap:        lowConfidence,
		InfluenceConcentration: max(lobbying, donations),
	}

	n := float64(len(pop))
	sizeFactor := n / (n + float64(half))
	values := []float64{f.FinancialZScore, f.CommonOfficerCount, f.LobbyingSpend, f.ContractCount, f.DonationFrequency, f.LoopCount, f.MeanConfidence}
	nonZero := 0
	for _, v := range values {
		if v != 0 {
			nonZero++
		}
	}
	coverage := float64(nonZero) / float64(len(values))
	return risk, clamp01(sizeFactor * (0.5 + 0.5*coverage)), nil
}

// squash maps z > 0 onto [0,1) and everything else to 0.
func squash(z float64) float64 {
	if z <= 0 || math.IsNaN(z) {
		return 0
	}
	return 2/(1+math.Exp(-z)) - 1
}
