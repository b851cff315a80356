package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed queue message")

// ScenarioMsg asks a worker to run the pipeline for one scenario.
type ScenarioMsg struct {
	CorrelationID string            `json:"correlation_id"`
	ScenarioHash  string            `json:"scenario_hash"`
	Input         common.ReconInput `json:"input"`
	RequestedAt   time.Time         `json:"requested_at"`
}

// ResultMsg is published to ResultTopic after every run.
type ResultMsg struct {
	CorrelationID string `json:"correlation_id"`
	common.PipelineResult
	Failure *common.FailureRecord `json:"failure,omitempty"`
}

// Runner runs one scenario. *pipeline.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, scenarioHash string, in common.ReconInput) common.PipelineResult
}

// EnqueueScenario publishes a run request to queueName.
func EnqueueScenario(ctx context.Context, pub Publisher, queueName string, msg ScenarioMsg) error {
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return PublishFIFO(ctx, pub, queueName, data, nil)
}

// ProcessScenarioMessage runs the pipeline for one message and publishes the
// result. A failed run is a result, not an error; errors are returned only
// for undecodable messages and failed publishes.
func ProcessScenarioMessage(ctx context.Context, runner Runner, pub Publisher, body []byte) (*ResultMsg, error) {
	var msg ScenarioMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if strings.TrimSpace(msg.ScenarioHash) == "" {
		return nil, fmt.Errorf("%w: scenario_hash is empty", ErrMalformed)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = util.NewID()
	}

	logger.Info("[Queue] Running scenario", "scenario", msg.ScenarioHash, "correlation_id", msg.CorrelationID)
	res := runner.Run(ctx, msg.ScenarioHash, msg.Input)

	out := &ResultMsg{
		CorrelationID:  msg.CorrelationID,
		PipelineResult: res,
		Failure:        res.Failure(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return out, err
	}
	if err := PublishTopic(ctx, pub, ResultTopic, data); err != nil {
		return out, fmt.Errorf("failed to publish result: %w", err)
	}
	return out, nil
}

// Retries reads the x-retries header.
func Retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError routes a failed delivery to the retry queue, or to
// the dead-letter queue after MaxRetries attempts or when the message is
// malformed. The delivery is acked once it is republished and nacked with
// requeue if republishing fails.
func HandleProcessingError(ctx context.Context, pub Publisher, msg amqp091.Delivery, queueName string, cause error) {
	retries := Retries(msg.Headers)

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	if retries >= MaxRetries || errors.Is(cause, ErrMalformed) {
		dlqName := DeadLetterQueue(queueName)
		headers["x-error"] = errorText(cause)
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries, "err", cause)
		if err := PublishFIFO(ctx, pub, dlqName, msg.Body, headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := RetryQueue(queueName)
	headers["x-retries"] = int32(retries + 1)
	if err := PublishFIFO(ctx, pub, retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	logger.Info("[Queue] Message scheduled for retry", "retry_queue", retryName, "attempt", retries+1)
	_ = msg.Ack(false)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
