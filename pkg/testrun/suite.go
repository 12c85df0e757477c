package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTestsFailed is returned when at least one selected test failed.
var ErrTestsFailed = errors.New("tests failed")

// Report summarises a test run.
type Report struct {
	Passed       int      `json:"passed"`
	Failed       int      `json:"failed"`
	Errors       int      `json:"errors"`
	Skipped      int      `json:"skipped"`
	StoppedEarly bool     `json:"stopped_early"`
	Failures     []string `json:"failures,omitempty"`
	JUnitPath    string   `json:"junit_path,omitempty"`
	CoveragePath string   `json:"coverage_path,omitempty"`
}

// Total is the number of tests that ran or were skipped.
func (r Report) Total() int { return r.Passed + r.Failed + r.Errors + r.Skipped }

// Err returns an error wrapping ErrTestsFailed when anything failed.
func (r Report) Err() error {
	if r.Failed+r.Errors == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d failed, %d errors", r.Failed, r.Errors)
	if r.StoppedEarly {
		msg += ", stopped early"
	}
	if len(r.Failures) > 0 {
		msg += ": " + strings.Join(r.Failures, ", ")
	}
	return fmt.Errorf("%w: %s", ErrTestsFailed, msg)
}

// ErrSkipped marks a case as skipped when returned by a CaseFunc.
var ErrSkipped = errors.New("skipped")

// CaseFunc runs one case.
type CaseFunc func(ctx context.Context, c Case) error

// Suite runs cases in order until MaxFailures cases have failed.
type Suite struct {
	Cases       []Case
	MaxFailures int
	Exec        CaseFunc
}

// Run executes the suite. A cancelled context stops before the next case.
func (s Suite) Run(ctx context.Context) Report {
	var rep Report
	for i, c := range s.Cases {
		if ctx.Err() != nil {
			rep.StoppedEarly = true
			rep.Errors++
			rep.Failures = append(rep.Failures, fmt.Sprintf("%s: %v", c.Name, ctx.Err()))
			return rep
		}
		err := s.Exec(ctx, c)
		switch {
		case err == nil:
			rep.Passed++
		case errors.Is(err, ErrSkipped):
			rep.Skipped++
		default:
			rep.Failed++
			rep.Failures = append(rep.Failures, c.Name)
		}
		if s.MaxFailures > 0 && rep.Failed >= s.MaxFailures {
			rep.StoppedEarly = i < len(s.Cases)-1
			return rep
		}
	}
	return rep
}
