package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the outcome of a single step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult records what happened to one step.
type StepResult struct {
	Name     string        `json:"name"`
	Kind     Kind          `json:"kind"`
	Status   Status        `json:"status"`
	Always   bool          `json:"always"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Result is the outcome of a run. Err holds the first fatal failure.
type Result struct {
	Run   Run
	Steps []StepResult
	Err   *StepError
}

// Succeeded reports whether no fatal failure occurred.
func (r Result) Succeeded() bool { return r.Err == nil }

// Step returns the result of the named step.
func (r Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Observer is notified as steps start and finish.
type Observer interface {
	StepStarted(name string)
	StepFinished(result StepResult)
}

// Executor runs a plan step by step.
type Executor struct {
	log       logrus.FieldLogger
	observers []Observer
	now       func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(log logrus.FieldLogger, observers ...Observer) *Executor {
	if log == nil {
		log = logrus.New()
	}
	return &Executor{log: log, observers: observers, now: time.Now}
}

// Execute runs the plan sequentially. The first fatal failure, or a cancelled
// context, skips every remaining step except those marked Always, which still
// run with a context that is never cancelled.
func (x *Executor) Execute(ctx context.Context, plan Plan, env *Env) Result {
	result := Result{Run: plan.Run}

	for _, step := range plan.Steps {
		log := x.log.WithField("step", step.Name)

		if !step.Always && result.Err == nil && ctx.Err() != nil {
			result.Err = &StepError{Step: step.Name, Kind: step.Kind, Err: ctx.Err()}
		}
		if !step.Always && result.Err != nil {
			log.Info("Skipping step after earlier failure")
			res := StepResult{Name: step.Name, Kind: step.Kind, Status: StatusSkipped}
			result.Steps = append(result.Steps, res)
			x.finished(env, res)
			continue
		}

		stepCtx := ctx
		if step.Always {
			stepCtx = context.WithoutCancel(ctx)
		}

		x.started(step.Name)
		log.Info("Starting step")
		started := x.now()
		err := runStep(stepCtx, step, env)
		res := StepResult{
			Name:     step.Name,
			Kind:     step.Kind,
			Status:   StatusPassed,
			Always:   step.Always,
			Started:  started,
			Duration: x.now().Sub(started),
			Err:      err,
		}

		if err != nil {
			res.Status = StatusFailed
			if step.Always {
				log.WithError(err).Warn("Best-effort step failed; run status unchanged")
			} else {
				log.WithError(err).Error("Step failed")
				result.Err = &StepError{Step: step.Name, Kind: step.Kind, Err: err}
			}
		} else {
			log.WithField("duration", res.Duration).Info("Step passed")
		}
		result.Steps = append(result.Steps, res)
		x.finished(env, res)
	}
	return result
}

func runStep(ctx context.Context, step Step, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %q: %v", step.Name, r)
		}
	}()
	return step.Run(ctx, env)
}

func (x *Executor) started(name string) {
	for _, o := range x.observers {
		o.StepStarted(name)
	}
}

func (x *Executor) finished(env *Env, res StepResult) {
	env.recordResult(res)
	for _, o := range x.observers {
		o.StepFinished(res)
	}
}

// IsKind reports whether err is a StepError of kind k.
func IsKind(err error, k Kind) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == k
}
