package api

import (
	"sync"
	"time"

	"chart-pipeline/pkg/pipeline"
)

// StepState is the externally visible state of one planned step.
type StepState struct {
	Name     string        `json:"name"`
	Kind     pipeline.Kind `json:"kind"`
	Status   string        `json:"status"`
	Always   bool          `json:"always"`
	Started  *time.Time    `json:"started,omitempty"`
	Duration string        `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const (
	statePending = "pending"
	stateRunning = "running"
)

// Event is pushed to stream subscribers.
type Event struct {
	Type string     `json:"type"` // "started", "finished" or "done"
	Step *StepState `json:"step,omitempty"`
	Run  *RunState  `json:"run,omitempty"`
}

// RunState summarises the run as a whole.
type RunState struct {
	Branch         pipeline.Branch `json:"branch"`
	ClusterVersion string          `json:"cluster_version"`
	HelmVersion    string          `json:"helm_version"`
	State          string          `json:"state"` // "running", "passed" or "failed"
	FailedStep     string          `json:"failed_step,omitempty"`
	Error          string          `json:"error,omitempty"`
}

const subscriberBuffer = 64

// Tracker follows a plan as it executes. It implements pipeline.Observer.
type Tracker struct {
	mu          sync.Mutex
	run         RunState
	steps       []StepState
	index       map[string]int
	subscribers map[chan Event]struct{}
	done        bool
}

// NewTracker returns a Tracker with every step of plan pending.
func NewTracker(plan pipeline.Plan) *Tracker {
	t := &Tracker{
		run: RunState{
			Branch:         plan.Run.Branch(),
			ClusterVersion: plan.Run.ClusterVersion(),
			HelmVersion:    plan.Run.HelmVersion(),
			State:          stateRunning,
		},
		index:       make(map[string]int, len(plan.Steps)),
		subscribers: make(map[chan Event]struct{}),
	}
	for i, s := range plan.Steps {
		t.index[s.Name] = i
		t.steps = append(t.steps, StepState{Name: s.Name, Kind: s.Kind, Status: statePending, Always: s.Always})
	}
	return t
}

func (t *Tracker) StepStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[name]
	if !ok {
		return
	}
	now := time.Now()
	t.steps[i].Status = stateRunning
	t.steps[i].Started = &now
	st := t.steps[i]
	t.broadcast(Event{Type: "started", Step: &st})
}

func (t *Tracker) StepFinished(res pipeline.StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[res.Name]
	if !ok {
		return
	}
	s := &t.steps[i]
	s.Status = string(res.Status)
	if res.Status != pipeline.StatusSkipped {
		s.Duration = res.Duration.String()
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	st := *s
	t.broadcast(Event{Type: "finished", Step: &st})
}

// Finish records the final result and closes every subscription.
func (t *Tracker) Finish(result pipeline.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.run.State = string(pipeline.StatusPassed)
	if result.Err != nil {
		t.run.State = string(pipeline.StatusFailed)
		t.run.FailedStep = result.Err.Step
		t.run.Error = result.Err.Error()
	}
	run := t.run
	t.broadcast(Event{Type: "done", Run: &run})
	for ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, ch)
	}
}

// Run returns the current run state.
func (t *Tracker) Run() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// Steps returns a copy of every step state in plan order.
func (t *Tracker) Steps() []StepState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StepState(nil), t.steps...)
}

// Step returns the state of the named step.
func (t *Tracker) Step(name string) (StepState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[name]
	if !ok {
		return StepState{}, false
	}
	return t.steps[i], true
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. The channel is closed when the run finishes; after Finish it
// is returned already closed.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if t.done {
		close(ch)
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (t *Tracker) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// broadcast must be called with mu held. Subscribers that fall behind are
// dropped.
func (t *Tracker) broadcast(ev Event) {
	for ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(t.subscribers, ch)
		}
	}
}
