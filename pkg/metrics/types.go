package metrics

// NodeUsage is the resource usage of one node.
type NodeUsage struct {
	Name                   string  `json:"name"`
	CPUUsageMilliCores     int64   `json:"cpu_usage_milli_cores"`
	MemoryUsageBytes       int64   `json:"memory_usage_bytes"`
	CPUAllocatableMilli    int64   `json:"cpu_allocatable_milli_cores"`
	MemoryAllocatableBytes int64   `json:"memory_allocatable_bytes"`
	CPUUsagePercentage     float64 `json:"cpu_usage_percentage"`
	MemUsagePercentage     float64 `json:"mem_usage_percentage"`
	MissingMetrics         bool    `json:"missing_metrics,omitempty"`
}

// PodUsage is the summed container usage of one pod.
type PodUsage struct {
	Name               string `json:"name"`
	CPUUsageMilliCores int64  `json:"cpu_usage_milli_cores"`
	MemoryUsageBytes   int64  `json:"memory_usage_bytes"`
}

// ClusterUsage is a point-in-time usage snapshot of the cluster and the
// release namespace.
type ClusterUsage struct {
	TotalCPUUsageMilliCores    int64       `json:"total_cpu_usage_milli_cores"`
	TotalCPUCapacityMilliCores int64       `json:"total_cpu_capacity_milli_cores"`
	TotalMemoryUsageBytes      int64       `json:"total_memory_usage_bytes"`
	TotalMemoryCapacityBytes   int64       `json:"total_memory_capacity_bytes"`
	AverageCPUUsagePercentage  float64     `json:"average_cpu_usage_percentage"`
	AverageMemUsagePercentage  float64     `json:"average_mem_usage_percentage"`
	Nodes                      []NodeUsage `json:"nodes,omitempty"`
	Pods                       []PodUsage  `json:"pods,omitempty"`
}
