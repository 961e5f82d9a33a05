package metrics

// GPUMetrics is one nvidia-smi sample for one device.
type GPUMetrics struct {
	// Index is the device ordinal reported by nvidia-smi.
	Index int `json:"index"`

	// Name is the product name, e.g. "NVIDIA A10G".
	Name string `json:"name"`

	// Utilization is the GPU utilization percentage (0-100).
	Utilization float64 `json:"utilization"`

	// Temperature is in Celsius.
	Temperature float64 `json:"temperature"`

	MemoryTotal int64 `json:"memory_total"`
	MemoryUsed  int64 `json:"memory_used"`
	MemoryFree  int64 `json:"memory_free"`
}

// MemoryUsedFraction returns used/total, or 0 when total is unknown.
func (g GPUMetrics) MemoryUsedFraction() float64 {
	if g.MemoryTotal <= 0 {
		return 0
	}
	return float64(g.MemoryUsed) / float64(g.MemoryTotal)
}
