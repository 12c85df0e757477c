package pipeline

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Well-known artifact names recorded on the Env.
const (
	ArtifactChart       = "chart"
	ArtifactSchema      = "schema"
	ArtifactCoverage    = "coverage"
	ArtifactTestResults = "test-results"
	ArtifactDiagnostics = "diagnostics"
	ArtifactHelmBinary  = "helm"
)

// Env is the environment handle threaded through every step. It replaces
// process-wide state: the provisioned cluster, installed tools and produced
// artifacts are all reachable from here.
type Env struct {
	Run Run
	Log logrus.FieldLogger

	mu         sync.RWMutex
	kubeconfig string
	apiServer  string
	artifacts  map[string]string
	results    []StepResult
}

// NewEnv returns an Env for run.
func NewEnv(run Run, log logrus.FieldLogger) *Env {
	if log == nil {
		log = logrus.New()
	}
	return &Env{
		Run:       run,
		Log:       log.WithField("run", run.String()),
		artifacts: make(map[string]string),
	}
}

// SetCluster records the kubeconfig and API endpoint of the provisioned cluster.
func (e *Env) SetCluster(kubeconfig, apiServer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kubeconfig = kubeconfig
	e.apiServer = apiServer
}

// Kubeconfig returns the kubeconfig path, empty before provisioning.
func (e *Env) Kubeconfig() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.kubeconfig
}

// APIServer returns the cluster API endpoint, empty before provisioning.
func (e *Env) APIServer() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.apiServer
}

// SetArtifact records the path of a produced artifact.
func (e *Env) SetArtifact(name, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.artifacts[name] = path
}

// Artifact returns the path of a produced artifact.
func (e *Env) Artifact(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.artifacts[name]
	return p, ok
}

// Artifacts returns a copy of every recorded artifact.
func (e *Env) Artifacts() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.artifacts))
	for k, v := range e.artifacts {
		out[k] = v
	}
	return out
}

func (e *Env) recordResult(res StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, res)
}

// Results returns the results of the steps finished so far.
func (e *Env) Results() []StepResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]StepResult(nil), e.results...)
}
