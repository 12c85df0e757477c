package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"chart-pipeline/pkg/pipeline"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func node(name, cpu, mem string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{Allocatable: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cpu),
			corev1.ResourceMemory: resource.MustParse(mem),
		}},
	}
}

func TestUsageCollector_Snapshot(t *testing.T) {
	kube := fake.NewSimpleClientset(node("kind-control-plane", "2", "4Gi"), node("kind-worker", "2", "4Gi"))
	mc := metricsfake.NewSimpleClientset()
	// the fake tracker cannot map NodeMetrics to its resource, so answer lists directly
	mc.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.NodeMetricsList{Items: []metricsv1beta1.NodeMetrics{{
			ObjectMeta: metav1.ObjectMeta{Name: "kind-control-plane"},
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("1Gi"),
			},
		}}}, nil
	})
	mc.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.PodMetricsList{Items: []metricsv1beta1.PodMetrics{{
			ObjectMeta: metav1.ObjectMeta{Name: "binder-abc", Namespace: "binder-test"},
			Containers: []metricsv1beta1.ContainerMetrics{
				{Name: "binder", Usage: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("100m"), corev1.ResourceMemory: resource.MustParse("64Mi")}},
				{Name: "sidecar", Usage: corev1.ResourceList{corev1.ResourceCPU: resource.MustParse("50m")}},
			},
		}}}, nil
	})

	usage, err := NewUsageCollector(kube, mc, quietLogger()).Snapshot(context.Background(), "binder-test")
	require.NoError(t, err)

	assert.Equal(t, int64(500), usage.TotalCPUUsageMilliCores)
	assert.Equal(t, int64(4000), usage.TotalCPUCapacityMilliCores)
	assert.InDelta(t, 12.5, usage.AverageCPUUsagePercentage, 0.001)
	require.Len(t, usage.Nodes, 2)
	byName := map[string]NodeUsage{}
	for _, n := range usage.Nodes {
		byName[n.Name] = n
	}
	assert.InDelta(t, 25.0, byName["kind-control-plane"].CPUUsagePercentage, 0.001)
	assert.True(t, byName["kind-worker"].MissingMetrics)
	assert.Equal(t, []PodUsage{{Name: "binder-abc", CPUUsageMilliCores: 150, MemoryUsageBytes: 64 * 1024 * 1024}}, usage.Pods)
}

func TestUsageCollector_NoMetricsClient(t *testing.T) {
	_, err := NewUsageCollector(fake.NewSimpleClientset(), nil, quietLogger()).Snapshot(context.Background(), "")
	assert.ErrorIs(t, err, ErrMetricsUnavailable)
}

func testRun(t *testing.T) pipeline.Run {
	run, err := pipeline.NewRun("helm", "v1.19.16", "v3.5.0")
	require.NoError(t, err)
	return run
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(testRun(t))

	r.StepStarted("deploy")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.running.WithLabelValues("deploy")))
	r.StepFinished(pipeline.StepResult{Name: "deploy", Status: pipeline.StatusFailed, Duration: 1500 * time.Millisecond})
	r.StepFinished(pipeline.StepResult{Name: "report", Status: pipeline.StatusPassed, Duration: time.Second})
	r.RunFinished(pipeline.Result{Err: &pipeline.StepError{Step: "deploy", Kind: pipeline.KindDeployment}})

	assert.Equal(t, 0.0, testutil.ToFloat64(r.running.WithLabelValues("deploy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepRuns.WithLabelValues("deploy", "failed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.stepDuration.WithLabelValues("deploy")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runSuccess))

	path := filepath.Join(t.TempDir(), "chartpipe.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `chartpipe_run_info{branch="helm",cluster_version="v1.19.16",helm_version="v3.5.0"} 1`)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `chartpipe_step_runs_total{status="passed",step="report"} 1`)
}

func TestRecorder_Push(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		body, _ := io.ReadAll(req.Body)
		if len(body) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder(testRun(t))
	require.NoError(t, r.Push(context.Background(), srv.URL, "chartpipe"))
	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/chartpipe"), gotPath)
}
