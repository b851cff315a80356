package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/metrics"
	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/OFFIS-RIT/lantern/backend/pkg/pipeline"

type CoordinatorParams struct {
	Engines     Engines
	MaxAttempts int
	RetryDelay  time.Duration
	// Metrics and Tracer are optional.
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Coordinator runs scenarios like Orchestrator but retries every stage and
// always produces a PipelineResult.
type Coordinator struct {
	*Orchestrator
	maxAttempts int
	retryDelay  time.Duration
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	o, err := NewOrchestrator(params.Engines)
	if err != nil {
		return nil, err
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 3
	}
	if params.RetryDelay < 0 {
		params.RetryDelay = 0
	} else if params.RetryDelay == 0 {
		params.RetryDelay = 2 * time.Second
	}
	if params.Tracer == nil {
		params.Tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		Orchestrator: o,
		maxAttempts:  params.MaxAttempts,
		retryDelay:   params.RetryDelay,
		metrics:      params.Metrics,
		tracer:       params.Tracer,
	}, nil
}

// Run drives one scenario to a terminal state. Failures are reported in
// the result, never returned.
func (c *Coordinator) Run(ctx context.Context, scenarioHash string, in common.ReconInput) common.PipelineResult {
	pc := newContext(scenarioHash, in)
	fsm := NewFSM()
	result := common.PipelineResult{
		RunID:        pc.RunID,
		ScenarioHash: pc.ScenarioHash,
		StartedAt:    time.Now(),
		Stages:       []common.StageResult{},
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("lantern.run_id", pc.RunID),
		attribute.String("lantern.scenario", pc.ScenarioHash),
	))
	defer span.End()
	logger.Info("[Pipeline] Coordinated run started", "run", pc.RunID, "scenario", pc.ScenarioHash)

	for !fsm.State().Terminal() {
		state := fsm.State()

		var err error
		if state == StateInit {
			err = c.execute(ctx, state, pc)
		} else {
			var stage common.StageResult
			stage, err = c.runStage(ctx, state, pc)
			result.Stages = append(result.Stages, stage)
		}

		if err != nil {
			pc.Errors = append(pc.Errors, StageError{State: state, Err: err})
			to, _ := fsm.Fire(EventError)
			pc.CurrentState = to
			result.Status = common.RunFailed
			result.FailedStage = string(state)
			result.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("[Pipeline] Run failed", "run", pc.RunID, "scenario", pc.ScenarioHash, "stage", state, "err", err)
			c.notify(Notification{Kind: NotifyStageChanged, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to, Err: err})
			c.notify(Notification{Kind: NotifyFailed, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to, Err: err})
			break
		}

		to, _ := fsm.Fire(EventSuccess)
		pc.CurrentState = to
		c.notify(Notification{Kind: NotifyStageChanged, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to})
	}

	if fsm.State() == StateCompleted {
		result.Status = common.RunCompleted
		c.notify(Notification{Kind: NotifyCompleted, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: StateAdvisory, To: StateCompleted})
	}
	result.Counters = counters(pc.Data)
	result.FinishedAt = time.Now()

	c.metrics.IncrementRun(string(result.Status))
	c.metrics.AddLoops(result.Counters.LoopsDetected)
	c.metrics.AddViolations(result.Counters.ViolationsFlagged)
	span.SetAttributes(attribute.String("lantern.status", string(result.Status)))

	logger.Info("[Pipeline] Coordinated run finished", "run", pc.RunID, "scenario", pc.ScenarioHash,
		"status", result.Status, "duration", result.FinishedAt.Sub(result.StartedAt))
	return result
}

// runStage executes one state with up to maxAttempts tries and a fixed
// delay between them.
func (c *Coordinator) runStage(ctx context.Context, state State, pc *PipelineContext) (common.StageResult, error) {
	name := strings.ToLower(string(state))
	ctx, span := c.tracer.Start(ctx, "pipeline.stage."+name)
	defer span.End()

	start := time.Now()
	attempts := 0
	err := util.RetryErrWithBackoff(ctx, c.maxAttempts, util.FixedBackoff(c.retryDelay), func(ctx context.Context) error {
		attempts++
		err := c.execute(ctx, state, pc)
		if err != nil {
			logger.Warn("[Pipeline] Stage attempt failed", "run", pc.RunID, "stage", state, "attempt", attempts, "max", c.maxAttempts, "err", err)
		}
		return err
	})
	err = wrapStage(state, err)
	elapsed := time.Since(start)

	stage := common.StageResult{
		Stage:      string(state),
		Status:     common.RunCompleted,
		Attempts:   attempts,
		DurationMs: elapsed.Milliseconds(),
	}
	span.SetAttributes(attribute.Int("lantern.attempts", attempts))
	if err != nil {
		stage.Status = common.RunFailed
		stage.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.ObserveStage(string(state), string(stage.Status), attempts, elapsed)
	return stage, err
}

func counters(d Data) common.RunCounters {
	var out common.RunCounters
	if d.Graph != nil {
		out.EntitiesProcessed = len(d.Graph.Nodes)
		out.ConflictsResolved = d.Graph.Metadata.ConflictsResolved
		out.LoopsDetected = len(d.Graph.Loops)
	}
	if d.Scored != nil {
		out.ViolationsFlagged = len(d.Scored.Violations)
	}
	out.RecommendationsGenerated = len(d.Recommendations)
	return out
}
