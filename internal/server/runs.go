package server

import (
	"context"
	"errors"
	"sync"

	"github.com/OFFIS-RIT/lantern/backend/internal/queue"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by InlineRuns when every run slot is taken.
var ErrBusy = errors.New("too many runs in progress")

// QueueRuns publishes run requests to a RabbitMQ queue.
type QueueRuns struct {
	Publisher queue.Publisher
	Queue     string
}

func (q *QueueRuns) Enqueue(ctx context.Context, correlationID, scenarioHash string, in common.ReconInput) error {
	return queue.EnqueueScenario(ctx, q.Publisher, q.Queue, queue.ScenarioMsg{
		CorrelationID: correlationID,
		ScenarioHash:  scenarioHash,
		Input:         in,
	})
}

// InlineRuns runs the pipeline in-process when no broker is configured.
// Runs outlive the request and stop when the base context is cancelled.
type InlineRuns struct {
	ctx    context.Context
	runner queue.Runner
	slots  *semaphore.Weighted
	wg     sync.WaitGroup

	// OnResult, if set, receives every finished run.
	OnResult func(correlationID string, res common.PipelineResult)
}

func NewInlineRuns(ctx context.Context, runner queue.Runner, maxConcurrent int) *InlineRuns {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &InlineRuns{
		ctx:    ctx,
		runner: runner,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (r *InlineRuns) Enqueue(_ context.Context, correlationID, scenarioHash string, in common.ReconInput) error {
	if !r.slots.TryAcquire(1) {
		return ErrBusy
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.slots.Release(1)

		res := r.runner.Run(r.ctx, scenarioHash, in)
		logger.Info("[Server] Inline run finished",
			"correlation_id", correlationID,
			"scenario", scenarioHash,
			"status", res.Status,
			"failed_stage", res.FailedStage,
		)
		if r.OnResult != nil {
			r.OnResult(correlationID, res)
		}
	}()
	return nil
}

// Wait blocks until every started run has finished.
func (r *InlineRuns) Wait() {
	r.wg.Wait()
}
