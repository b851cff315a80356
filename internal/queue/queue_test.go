package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

type fakeRunner struct {
	result common.PipelineResult
	calls  []string
}

func (f *fakeRunner) Run(_ context.Context, scenarioHash string, _ common.ReconInput) common.PipelineResult {
	f.calls = append(f.calls, scenarioHash)
	res := f.result
	res.ScenarioHash = scenarioHash
	return res
}

func TestEnqueueScenario(t *testing.T) {
	pub := &fakePublisher{}
	err := EnqueueScenario(context.Background(), pub, "scenario_queue", ScenarioMsg{CorrelationID: "c1", ScenarioHash: "s1"})
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "", pub.sent[0].exchange)
	assert.Equal(t, "scenario_queue", pub.sent[0].key)
	assert.Equal(t, amqp091.Persistent, pub.sent[0].msg.DeliveryMode)

	var msg ScenarioMsg
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &msg))
	assert.Equal(t, "s1", msg.ScenarioHash)
	assert.False(t, msg.RequestedAt.IsZero())
}

func TestProcessScenarioMessage(t *testing.T) {
	pub := &fakePublisher{}
	runner := &fakeRunner{result: common.PipelineResult{Status: common.RunFailed, FailedStage: "CORRELATION", Error: "boom"}}

	body, _ := json.Marshal(ScenarioMsg{CorrelationID: "c1", ScenarioHash: "s1"})
	out, err := ProcessScenarioMessage(context.Background(), runner, pub, body)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, runner.calls)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "CORRELATION", out.Failure.Stage)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, TopicExchange, pub.sent[0].exchange)
	assert.Equal(t, ResultTopic, pub.sent[0].key)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &got))
	assert.Equal(t, "c1", got["correlation_id"])
	assert.Equal(t, "FAILED", got["status"])
	assert.Equal(t, "s1", got["scenario_hash"])
}

func TestProcessScenarioMessage_Malformed(t *testing.T) {
	runner := &fakeRunner{}
	for _, body := range []string{`not json`, `{"scenario_hash": "  "}`} {
		_, err := ProcessScenarioMessage(context.Background(), runner, &fakePublisher{}, []byte(body))
		assert.ErrorIs(t, err, ErrMalformed)
	}
	assert.Empty(t, runner.calls)
}

func TestProcessScenarioMessage_PublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	body, _ := json.Marshal(ScenarioMsg{ScenarioHash: "s1"})
	out, err := ProcessScenarioMessage(context.Background(), &fakeRunner{}, pub, body)
	require.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, util.IsID(out.CorrelationID))
}

func TestHandleProcessingError(t *testing.T) {
	transient := errors.New("transient")
	tests := []struct {
		name      string
		headers   amqp091.Table
		cause     error
		wantQueue string
		wantRetry int
	}{
		{name: "first failure", cause: transient, wantQueue: "scenario_queue_retry", wantRetry: 1},
		{name: "int32 header", headers: amqp091.Table{"x-retries": int32(4)}, cause: transient, wantQueue: "scenario_queue_retry", wantRetry: 5},
		{name: "int64 header", headers: amqp091.Table{"x-retries": int64(2)}, cause: transient, wantQueue: "scenario_queue_retry", wantRetry: 3},
		{name: "exhausted", headers: amqp091.Table{"x-retries": int32(MaxRetries)}, cause: transient, wantQueue: "scenario_queue_dlq", wantRetry: MaxRetries},
		{name: "malformed skips retry", cause: ErrMalformed, wantQueue: "scenario_queue_dlq", wantRetry: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			ack := &fakeAck{}
			d := amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Headers: tt.headers, Body: []byte(`{}`)}

			HandleProcessingError(context.Background(), pub, d, "scenario_queue", tt.cause)

			require.Len(t, pub.sent, 1)
			assert.Equal(t, tt.wantQueue, pub.sent[0].key)
			assert.Equal(t, tt.wantRetry, Retries(pub.sent[0].msg.Headers))
			assert.Equal(t, 1, ack.acked)
			assert.Zero(t, ack.nacked)
		})
	}
}

func TestHandleProcessingError_PublishFailureRequeues(t *testing.T) {
	ack := &fakeAck{}
	d := amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1}
	HandleProcessingError(context.Background(), &fakePublisher{err: errors.New("down")}, d, "scenario_queue", errors.New("x"))
	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "scenario_queue_dlq", DeadLetterQueue("scenario_queue"))
	assert.Equal(t, "scenario_queue_retry", RetryQueue("scenario_queue"))
}
