package pipeline

import (
	"context"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
)

var actions = map[string]string{
	common.DimConflictOfInterest:     "Review awards to this entity against its political contributions",
	common.DimFinancialAnomaly:       "Audit transaction amounts against comparable entities",
	common.DimRegulatoryViolation:    "Trace the circular fund flows and check statutory compliance",
	common.DimTransparencyGap:        "Corroborate the underlying facts with primary sources",
	common.DimInfluenceConcentration: "Examine the concentration of lobbying and donations",
}

// RuleAdvisor emits one templated recommendation per violation.
type RuleAdvisor struct {
	// CriticalScore is the total score from which priority is "critical".
	// Zero means 0.9.
	CriticalScore float64
}

func (a RuleAdvisor) Advise(ctx context.Context, scored *common.ScoredSet) ([]common.Recommendation, error) {
	if scored == nil {
		return nil, nil
	}
	critical := a.CriticalScore
	if critical <= 0 {
		critical = 0.9
	}

	out := make([]common.Recommendation, 0, len(scored.Violations))
	for _, v := range scored.Violations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		flags := slices.Clone(v.ViolationFlags)
		slices.SortStableFunc(flags, func(a, b common.ViolationFlag) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return strings.Compare(a.Dimension, b.Dimension)
		})

		rec := common.Recommendation{
			EntityID: v.EntityID,
			Priority: "high",
		}
		if v.TotalScore >= critical {
			rec.Priority = "critical"
		}
		for _, f := range flags {
			rec.Dimensions = append(rec.Dimensions, f.Dimension)
		}
		if len(flags) > 0 {
			rec.Action = actions[flags[0].Dimension]
		} else {
			rec.Action = "Review the entity's relationships"
		}
		out = append(out, rec)
	}
	return out, nil
}
