package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"chart-pipeline/pkg/pipeline"
)

const namespace = "chartpipe"

// Recorder collects step metrics of a run. It implements pipeline.Observer.
type Recorder struct {
	registry     *prometheus.Registry
	stepRuns     *prometheus.CounterVec
	stepDuration *prometheus.GaugeVec
	running      *prometheus.GaugeVec
	runInfo      *prometheus.GaugeVec
	runSuccess   prometheus.Gauge
	lastFinished prometheus.Gauge
}

// NewRecorder returns a Recorder with its own registry, labelled with run.
func NewRecorder(run pipeline.Run) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_runs_total",
			Help:      "Steps finished, by step and status.",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of the last execution of a step.",
		}, []string{"step"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_running",
			Help:      "1 while a step is executing.",
		}, []string{"step"}),
		runInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Axes of the current run.",
		}, []string{"branch", "cluster_version", "helm_version"}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 if the run finished without a fatal failure.",
		}),
		lastFinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time the run finished.",
		}),
	}
	r.registry.MustRegister(r.stepRuns, r.stepDuration, r.running, r.runInfo, r.runSuccess, r.lastFinished)
	r.runInfo.WithLabelValues(string(run.Branch()), run.ClusterVersion(), run.HelmVersion()).Set(1)
	return r
}

// StepStarted implements pipeline.Observer.
func (r *Recorder) StepStarted(name string) {
	r.running.WithLabelValues(name).Set(1)
}

// StepFinished implements pipeline.Observer.
func (r *Recorder) StepFinished(res pipeline.StepResult) {
	r.running.WithLabelValues(res.Name).Set(0)
	r.stepRuns.WithLabelValues(res.Name, string(res.Status)).Inc()
	r.stepDuration.WithLabelValues(res.Name).Set(res.Duration.Seconds())
}

// RunFinished records the outcome of the run.
func (r *Recorder) RunFinished(result pipeline.Result) {
	if result.Succeeded() {
		r.runSuccess.Set(1)
	} else {
		r.runSuccess.Set(0)
	}
	r.lastFinished.Set(float64(time.Now().Unix()))
}

// Registry returns the registry holding the metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics to path for the node exporter textfile
// collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Push sends the metrics to a Pushgateway under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
