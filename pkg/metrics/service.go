// Package metrics reports cluster resource usage for diagnostics and
// exposes pipeline step metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// ErrMetricsUnavailable is returned when no metrics API client is configured.
var ErrMetricsUnavailable = errors.New("metrics API not available")

// UsageCollector reads node and pod usage from the metrics API.
type UsageCollector struct {
	kubeClient    kubernetes.Interface
	metricsClient metricsclient.Interface
	timeout       time.Duration
	log           logrus.FieldLogger
}

// NewUsageCollector creates a collector. mc may be nil when the cluster has
// no metrics server; Snapshot then returns ErrMetricsUnavailable.
func NewUsageCollector(kc kubernetes.Interface, mc metricsclient.Interface, log logrus.FieldLogger) *UsageCollector {
	if mc == nil {
		log.Debug("No metrics client, usage snapshots disabled")
	}
	return &UsageCollector{kubeClient: kc, metricsClient: mc, timeout: 5 * time.Second, log: log}
}

// NewMetricsClient creates a metrics API client for cfg.
func NewMetricsClient(cfg *rest.Config) (metricsclient.Interface, error) {
	mc, err := metricsclient.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}
	return mc, nil
}

// Snapshot returns current node usage and the usage of pods in namespace.
// An empty namespace skips pods.
func (s *UsageCollector) Snapshot(ctx context.Context, namespace string) (*ClusterUsage, error) {
	if s.metricsClient == nil {
		return nil, ErrMetricsUnavailable
	}
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nodeMetricsList, err := s.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list node metrics: %w", err)
	}
	nodes, err := s.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	usageByNode := make(map[string]corev1.ResourceList, len(nodeMetricsList.Items))
	for _, nm := range nodeMetricsList.Items {
		usageByNode[nm.Name] = nm.Usage
	}

	usage := &ClusterUsage{}
	for _, n := range nodes.Items {
		nodeUsage, found := usageByNode[n.Name]
		if !found {
			s.log.Warnf("Metrics not found for node %s", n.Name)
		}
		cpu := quantity(nodeUsage, corev1.ResourceCPU).MilliValue()
		mem := quantity(nodeUsage, corev1.ResourceMemory).Value()
		allocCPU := quantity(n.Status.Allocatable, corev1.ResourceCPU).MilliValue()
		allocMem := quantity(n.Status.Allocatable, corev1.ResourceMemory).Value()

		usage.TotalCPUUsageMilliCores += cpu
		usage.TotalCPUCapacityMilliCores += allocCPU
		usage.TotalMemoryUsageBytes += mem
		usage.TotalMemoryCapacityBytes += allocMem

		usage.Nodes = append(usage.Nodes, NodeUsage{
			Name:                   n.Name,
			CPUUsageMilliCores:     cpu,
			MemoryUsageBytes:       mem,
			CPUAllocatableMilli:    allocCPU,
			MemoryAllocatableBytes: allocMem,
			CPUUsagePercentage:     percent(cpu, allocCPU),
			MemUsagePercentage:     percent(mem, allocMem),
			MissingMetrics:         !found,
		})
	}
	usage.AverageCPUUsagePercentage = percent(usage.TotalCPUUsageMilliCores, usage.TotalCPUCapacityMilliCores)
	usage.AverageMemUsagePercentage = percent(usage.TotalMemoryUsageBytes, usage.TotalMemoryCapacityBytes)

	if namespace != "" {
		podMetricsList, err := s.metricsClient.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to list pod metrics in %s: %w", namespace, err)
		}
		for _, pm := range podMetricsList.Items {
			pod := PodUsage{Name: pm.Name}
			for _, c := range pm.Containers {
				pod.CPUUsageMilliCores += quantity(c.Usage, corev1.ResourceCPU).MilliValue()
				pod.MemoryUsageBytes += quantity(c.Usage, corev1.ResourceMemory).Value()
			}
			usage.Pods = append(usage.Pods, pod)
		}
	}

	s.log.Debugf("Usage snapshot of %d nodes and %d pods took %v", len(usage.Nodes), len(usage.Pods), time.Since(startTime))
	return usage, nil
}

func quantity(list corev1.ResourceList, name corev1.ResourceName) *resource.Quantity {
	q, ok := list[name]
	if !ok {
		return resource.NewQuantity(0, resource.DecimalSI)
	}
	return &q
}

func percent(used, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(used*100) / float64(capacity)
}
