// Package pipeline sequences a scenario run through recon, correlation,
// analysis and advisory with an explicit state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
)

// Data is what the stages of one run hand to each other.
type Data struct {
	Input           common.ReconInput
	Facts           []common.RawFact
	Graph           *common.GraphSet
	Scored          *common.ScoredSet
	Recommendations []common.Recommendation
}

// StageError is an error captured while a state ran.
type StageError struct {
	State State
	Err   error
}

// PipelineContext belongs to exactly one run.
type PipelineContext struct {
	RunID        string
	ScenarioHash string
	CurrentState State
	Data         Data
	Errors       []StageError
}

type NotificationKind string

const (
	NotifyStageChanged NotificationKind = "stage_changed"
	NotifyCompleted    NotificationKind = "completed"
	NotifyFailed       NotificationKind = "failed"
)

type Notification struct {
	Kind         NotificationKind
	RunID        string
	ScenarioHash string
	From         State
	To           State
	Err          error
	At           time.Time
}

// Orchestrator runs scenarios through the state machine once per stage.
// Use Coordinator for retries.
type Orchestrator struct {
	engines Engines

	mu        sync.RWMutex
	callbacks []func(Notification)
	subs      map[int]chan Notification
	nextSub   int
}

func NewOrchestrator(engines Engines) (*Orchestrator, error) {
	if err := engines.validate(); err != nil {
		return nil, err
	}
	if engines.Advisor == nil {
		engines.Advisor = RuleAdvisor{}
	}
	return &Orchestrator{engines: engines, subs: map[int]chan Notification{}}, nil
}

// OnNotify registers a callback. Callbacks run synchronously on the run's
// goroutine and must not block.
func (o *Orchestrator) OnNotify(fn func(Notification)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, fn)
}

// Subscribe returns a channel of notifications and a function that
// unsubscribes and closes it. Notifications that do not fit in the buffer
// are dropped.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, max(buffer, 1))
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) notify(n Notification) {
	n.At = time.Now()
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, fn := range o.callbacks {
		fn(n)
	}
	for _, ch := range o.subs {
		select {
		case ch <- n:
		default:
			logger.Debug("[Pipeline] Dropping notification for slow subscriber", "run", n.RunID, "kind", n.Kind)
		}
	}
}

func newContext(scenarioHash string, in common.ReconInput) *PipelineContext {
	return &PipelineContext{
		RunID:        util.NewID(),
		ScenarioHash: strings.TrimSpace(scenarioHash),
		CurrentState: StateInit,
		Data:         Data{Input: in},
	}
}

// Run drives one scenario to COMPLETED or ERROR. On failure the returned
// error wraps the failing stage's sentinel and the context is still
// returned.
func (o *Orchestrator) Run(ctx context.Context, scenarioHash string, in common.ReconInput) (*PipelineContext, error) {
	pc := newContext(scenarioHash, in)
	fsm := NewFSM()
	logger.Info("[Pipeline] Run started", "run", pc.RunID, "scenario", pc.ScenarioHash)

	for !fsm.State().Terminal() {
		state := fsm.State()
		err := o.execute(ctx, state, pc)
		if err != nil {
			pc.Errors = append(pc.Errors, StageError{State: state, Err: err})
			to, _ := fsm.Fire(EventError)
			pc.CurrentState = to
			logger.Error("[Pipeline] Stage failed", "run", pc.RunID, "scenario", pc.ScenarioHash, "stage", state, "err", err)
			o.notify(Notification{Kind: NotifyStageChanged, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to, Err: err})
			o.notify(Notification{Kind: NotifyFailed, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to, Err: err})
			return pc, err
		}
		to, err := fsm.Fire(EventSuccess)
		if err != nil {
			return pc, err
		}
		pc.CurrentState = to
		o.notify(Notification{Kind: NotifyStageChanged, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: state, To: to})
	}

	o.notify(Notification{Kind: NotifyCompleted, RunID: pc.RunID, ScenarioHash: pc.ScenarioHash, From: StateAdvisory, To: StateCompleted})
	logger.Info("[Pipeline] Run completed", "run", pc.RunID, "scenario", pc.ScenarioHash)
	return pc, nil
}

// execute runs the engine of one state and stores its output in pc. Errors
// are wrapped with the stage sentinel.
func (o *Orchestrator) execute(ctx context.Context, state State, pc *PipelineContext) error {
	var err error
	switch state {
	case StateInit:
		if pc.ScenarioHash == "" {
			err = fmt.Errorf("scenario hash is empty")
		}
	case StateRecon:
		var facts []common.RawFact
		facts, err = o.engines.Recon.Collect(ctx, pc.ScenarioHash, pc.Data.Input)
		if err == nil {
			pc.Data.Facts = facts
		}
	case StateCorrelation:
		var g *common.GraphSet
		g, err = o.engines.Correlator.Correlate(ctx, pc.ScenarioHash, pc.Data.Facts)
		if err == nil {
			pc.Data.Graph = g
		}
	case StateAnalysis:
		var scored *common.ScoredSet
		scored, err = o.engines.Analyzer.Analyze(ctx, pc.Data.Graph)
		if err == nil {
			pc.Data.Scored = scored
		}
	case StateAdvisory:
		var recs []common.Recommendation
		recs, err = o.engines.Advisor.Advise(ctx, pc.Data.Scored)
		if err == nil {
			pc.Data.Recommendations = recs
		}
	default:
		err = fmt.Errorf("no engine for state %s", state)
	}
	return wrapStage(state, err)
}

func wrapStage(state State, err error) error {
	sentinel, ok := stageErrors[state]
	if err == nil || !ok || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
