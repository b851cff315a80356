package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
)

// Stage failures. Every error a stage returns is wrapped in one of these.
var (
	ErrInit        = errors.New("init_stage_failed")
	ErrRecon       = errors.New("recon_stage_failed")
	ErrCorrelation = errors.New("correlation_stage_failed")
	ErrAnalysis    = errors.New("analysis_stage_failed")
	ErrAdvisory    = errors.New("advisory_stage_failed")
)

var stageErrors = map[State]error{
	StateInit:        ErrInit,
	StateRecon:       ErrRecon,
	StateCorrelation: ErrCorrelation,
	StateAnalysis:    ErrAnalysis,
	StateAdvisory:    ErrAdvisory,
}

type Recon interface {
	Collect(ctx context.Context, scenarioHash string, in common.ReconInput) ([]common.RawFact, error)
}

type Correlator interface {
	Correlate(ctx context.Context, scenarioHash string, facts []common.RawFact) (*common.GraphSet, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, g *common.GraphSet) (*common.ScoredSet, error)
}

type Advisor interface {
	Advise(ctx context.Context, scored *common.ScoredSet) ([]common.Recommendation, error)
}

// Engines are the stage implementations of a run. Advisor defaults to
// RuleAdvisor.
type Engines struct {
	Recon      Recon
	Correlator Correlator
	Analyzer   Analyzer
	Advisor    Advisor
}

func (e Engines) validate() error {
	var missing []string
	if e.Recon == nil {
		missing = append(missing, "recon")
	}
	if e.Correlator == nil {
		missing = append(missing, "correlator")
	}
	if e.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline is missing engines: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PassthroughRecon returns the facts of the input unchanged.
type PassthroughRecon struct{}

func (PassthroughRecon) Collect(_ context.Context, _ string, in common.ReconInput) ([]common.RawFact, error) {
	return in.Facts, nil
}
