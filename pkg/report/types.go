package report

import (
	"time"

	"chart-pipeline/pkg/metrics"
)

// ContainerReport is the state of one container.
type ContainerReport struct {
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Restarts int32  `json:"restarts"`
	LogTail  string `json:"log_tail,omitempty"`
}

// PodReport is the state of one pod of a workload.
type PodReport struct {
	Name       string            `json:"name"`
	Phase      string            `json:"phase"`
	Restarts   int32             `json:"restarts"`
	Containers []ContainerReport `json:"containers,omitempty"`
}

// DeploymentStatus summarises a deployment.
type DeploymentStatus struct {
	Replicas   int32    `json:"replicas"`
	Ready      int32    `json:"ready"`
	Available  int32    `json:"available"`
	Updated    int32    `json:"updated"`
	Conditions []string `json:"conditions,omitempty"`
}

// WorkloadReport groups the diagnostics of one named workload.
type WorkloadReport struct {
	Name       string            `json:"name"`
	Deployment *DeploymentStatus `json:"deployment,omitempty"`
	Pods       []PodReport       `json:"pods,omitempty"`
}

// Event is a namespace event.
type Event struct {
	Type    string    `json:"type"`
	Reason  string    `json:"reason"`
	Object  string    `json:"object"`
	Message string    `json:"message"`
	Count   int32     `json:"count"`
	Last    time.Time `json:"last"`
}

// StepSummary is a step outcome as written to the report.
type StepSummary struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report is the diagnostics document of a run.
type Report struct {
	Run       string                `json:"run"`
	Generated time.Time             `json:"generated"`
	Namespace string                `json:"namespace"`
	Steps     []StepSummary         `json:"steps,omitempty"`
	Workloads []WorkloadReport      `json:"workloads,omitempty"`
	Events    []Event               `json:"events,omitempty"`
	Usage     *metrics.ClusterUsage `json:"usage,omitempty"`
	Artifacts map[string]string     `json:"artifacts,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`
}
