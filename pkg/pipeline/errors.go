package pipeline

import "fmt"

// Kind classifies a fatal step failure.
type Kind string

const (
	KindProvisioning Kind = "provisioning"
	KindBuild        Kind = "build"
	KindValidation   Kind = "validation"
	KindDeployment   Kind = "deployment"
	KindReadiness    Kind = "readiness"
	KindTest         Kind = "test"
	KindReport       Kind = "report"
)

// StepError is the error a failed step contributes to the run result.
type StepError struct {
	Step string
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
