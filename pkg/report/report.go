// Package report collects diagnostics after a run and uploads artifacts. It
// never fails the run: every problem becomes a warning in the report.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"chart-pipeline/pkg/metrics"
	"chart-pipeline/pkg/pipeline"
)

// Clients are the cluster clients the reporter reads from. Usage may be nil.
type Clients struct {
	Kube  kubernetes.Interface
	Usage *metrics.UsageCollector
}

// ClientFactory connects to the cluster behind kubeconfig.
type ClientFactory func(kubeconfig string) (Clients, error)

// Config holds the reporter settings.
type Config struct {
	Namespace     string
	Workloads     []string
	TailLines     int64
	ArtifactsDir  string
	MaxUploadSize int64
}

// Reporter gathers diagnostics and uploads artifacts.
type Reporter struct {
	cfg      Config
	connect  ClientFactory
	uploader Uploader
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewReporter returns a Reporter. uploader may be nil to skip uploads.
func NewReporter(cfg Config, connect ClientFactory, uploader Uploader, log logrus.FieldLogger) *Reporter {
	return &Reporter{cfg: cfg, connect: connect, uploader: uploader, now: time.Now, log: log}
}

// Run collects the report for env, writes it to the artifacts dir and
// uploads the run's artifacts. It returns the report path, or "" when the
// report could not be written.
func (r *Reporter) Run(ctx context.Context, env *pipeline.Env) string {
	rep := r.Collect(ctx, env)
	for _, w := range rep.Warnings {
		r.log.Warn(w)
	}
	path, err := r.write(rep)
	if err != nil {
		r.log.Warnf("Could not write report: %v", err)
	} else {
		env.SetArtifact(pipeline.ArtifactDiagnostics, path)
		r.log.Infof("Report written to %s", path)
	}
	r.upload(ctx, env)
	return path
}

// Collect gathers step outcomes and cluster diagnostics. Missing clusters
// or workloads are recorded as warnings.
func (r *Reporter) Collect(ctx context.Context, env *pipeline.Env) *Report {
	rep := &Report{
		Run:       env.Run.String(),
		Generated: r.now().UTC(),
		Namespace: r.cfg.Namespace,
		Artifacts: env.Artifacts(),
	}
	for _, res := range env.Results() {
		s := StepSummary{Name: res.Name, Kind: string(res.Kind), Status: string(res.Status)}
		if res.Duration > 0 {
			s.Duration = res.Duration.Round(time.Millisecond).String()
		}
		if res.Err != nil {
			s.Error = res.Err.Error()
		}
		rep.Steps = append(rep.Steps, s)
	}

	if env.Kubeconfig() == "" {
		rep.warn("no cluster was provisioned, skipping cluster diagnostics")
		return rep
	}
	clients, err := r.connect(env.Kubeconfig())
	if err != nil {
		rep.warn("cannot connect to cluster: %v", err)
		return rep
	}

	for _, name := range r.cfg.Workloads {
		rep.Workloads = append(rep.Workloads, r.workload(ctx, clients.Kube, name, rep))
	}
	rep.Events = r.events(ctx, clients.Kube, rep)

	if clients.Usage != nil {
		usage, err := clients.Usage.Snapshot(ctx, r.cfg.Namespace)
		if err != nil {
			rep.warn("usage snapshot unavailable: %v", err)
		} else {
			rep.Usage = usage
		}
	}
	return rep
}

func (rep *Report) warn(format string, args ...interface{}) {
	rep.Warnings = append(rep.Warnings, fmt.Sprintf(format, args...))
}

func (r *Reporter) workload(ctx context.Context, kube kubernetes.Interface, name string, rep *Report) WorkloadReport {
	w := WorkloadReport{Name: name}
	ns := r.cfg.Namespace

	selector := labels.SelectorFromSet(labels.Set{"component": name})
	dep, err := kube.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		w.Deployment = &DeploymentStatus{
			Replicas:  dep.Status.Replicas,
			Ready:     dep.Status.ReadyReplicas,
			Available: dep.Status.AvailableReplicas,
			Updated:   dep.Status.UpdatedReplicas,
		}
		for _, c := range dep.Status.Conditions {
			w.Deployment.Conditions = append(w.Deployment.Conditions, fmt.Sprintf("%s=%s %s", c.Type, c.Status, c.Message))
		}
		if dep.Spec.Selector != nil {
			if s, err := metav1.LabelSelectorAsSelector(dep.Spec.Selector); err == nil {
				selector = s
			}
		}
	case apierrors.IsNotFound(err):
		rep.warn("deployment %s/%s not found", ns, name)
	default:
		rep.warn("cannot read deployment %s/%s: %v", ns, name, err)
	}

	pods, err := kube.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		rep.warn("cannot list pods of %s: %v", name, err)
		return w
	}
	for _, pod := range pods.Items {
		w.Pods = append(w.Pods, r.pod(ctx, kube, pod, rep))
	}
	return w
}

func (r *Reporter) pod(ctx context.Context, kube kubernetes.Interface, pod corev1.Pod, rep *Report) PodReport {
	p := PodReport{Name: pod.Name, Phase: string(pod.Status.Phase)}
	for _, cs := range pod.Status.ContainerStatuses {
		c := ContainerReport{Name: cs.Name, Ready: cs.Ready, Restarts: cs.RestartCount}
		switch {
		case cs.State.Running != nil:
			c.State = "running"
		case cs.State.Waiting != nil:
			c.State, c.Reason = "waiting", cs.State.Waiting.Reason
		case cs.State.Terminated != nil:
			c.State, c.Reason = "terminated", cs.State.Terminated.Reason
		}
		p.Restarts += cs.RestartCount

		tail := r.cfg.TailLines
		raw, err := kube.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container: cs.Name,
			TailLines: &tail,
		}).DoRaw(ctx)
		if err != nil {
			rep.warn("cannot read logs of %s/%s: %v", pod.Name, cs.Name, err)
		} else {
			c.LogTail = string(raw)
		}
		p.Containers = append(p.Containers, c)
	}
	return p
}

func (r *Reporter) events(ctx context.Context, kube kubernetes.Interface, rep *Report) []Event {
	list, err := kube.CoreV1().Events(r.cfg.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		rep.warn("cannot list events: %v", err)
		return nil
	}
	events := make([]Event, 0, len(list.Items))
	for _, e := range list.Items {
		events = append(events, Event{
			Type:    e.Type,
			Reason:  e.Reason,
			Object:  strings.ToLower(e.InvolvedObject.Kind) + "/" + e.InvolvedObject.Name,
			Message: e.Message,
			Count:   e.Count,
			Last:    e.LastTimestamp.Time,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Last.Before(events[j].Last) })
	return events
}

func (r *Reporter) write(rep *Report) (string, error) {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(r.cfg.ArtifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	path := filepath.Join(r.cfg.ArtifactsDir, "report.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// uploadable lists the artifacts that leave the machine.
var uploadable = []string{pipeline.ArtifactCoverage, pipeline.ArtifactTestResults, pipeline.ArtifactDiagnostics}

func (r *Reporter) upload(ctx context.Context, env *pipeline.Env) {
	if r.uploader == nil {
		r.log.Debug("No upload target configured")
		return
	}
	prefix := fmt.Sprintf("%s-%s-%s/%s", env.Run.Branch(), env.Run.ClusterVersion(), env.Run.HelmVersion(), r.now().UTC().Format("20060102T150405Z"))
	for _, name := range uploadable {
		path, ok := env.Artifact(name)
		if !ok {
			continue
		}
		log := r.log.WithField("artifact", name)
		info, err := os.Stat(path)
		if err != nil {
			log.Warnf("Skipping upload: %v", err)
			continue
		}
		if r.cfg.MaxUploadSize > 0 && info.Size() > r.cfg.MaxUploadSize {
			log.Warnf("Skipping upload: %s is %d bytes, limit is %d", path, info.Size(), r.cfg.MaxUploadSize)
			continue
		}
		object := prefix + "/" + filepath.Base(path)
		if err := r.uploader.Upload(ctx, object, path); err != nil {
			log.Warnf("Upload failed: %v", err)
			continue
		}
		log.Infof("Uploaded %s", object)
	}
}
