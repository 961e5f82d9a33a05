package pipeline

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Device is a compute target.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Accelerated reports whether the device is a GPU.
func (d Device) Accelerated() bool {
	return d == DeviceCUDA
}

// CUDAProbe reports whether a CUDA device is usable.
type CUDAProbe func(ctx context.Context) bool

// ResolveDevice maps the configured device name to a Device. "auto" asks the
// probe; anything other than "cuda" or "auto" is the CPU.
func ResolveDevice(ctx context.Context, requested string, probe CUDAProbe) Device {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "cuda":
		return DeviceCUDA
	case "auto", "":
		if probe != nil && probe(ctx) {
			return DeviceCUDA
		}
		return DeviceCPU
	default:
		return DeviceCPU
	}
}

// NvidiaSMIProbe lists GPUs with nvidia-smi and reports whether at least one
// was found.
func NvidiaSMIProbe(path string) CUDAProbe {
	if path == "" {
		path = "nvidia-smi"
	}
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var stdout bytes.Buffer
		cmd := exec.CommandContext(ctx, path, "-L")
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return false
		}
		return strings.Contains(stdout.String(), "GPU")
	}
}
