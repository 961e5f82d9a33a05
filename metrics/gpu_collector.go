package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GPUReader reads one sample per visible device.
type GPUReader interface {
	ReadGPUMetrics(ctx context.Context) ([]GPUMetrics, error)
}

// GPUSink receives GPU samples. *Collector implements it.
type GPUSink interface {
	UpdateGPUMetrics(samples []GPUMetrics)
	SetGPUUnavailable()
}

const nvidiaSMIQuery = "--query-gpu=index,name,utilization.gpu,temperature.gpu,memory.used,memory.total"

// NvidiaSMIReader shells out to nvidia-smi.
type NvidiaSMIReader struct {
	// Path defaults to "nvidia-smi" on PATH.
	Path    string
	Timeout time.Duration
}

// ReadGPUMetrics implements GPUReader.
func (r NvidiaSMIReader) ReadGPUMetrics(ctx context.Context) ([]GPUMetrics, error) {
	path := r.Path
	if path == "" {
		path = "nvidia-smi"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, nvidiaSMIQuery, "--format=csv,noheader,nounits")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// parseNvidiaSMIOutput parses one CSV row per GPU:
// index, name, utilization %, temperature C, memory used MiB, memory total MiB.
func parseNvidiaSMIOutput(output string) ([]GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	reader := csv.NewReader(strings.NewReader(output))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var samples []GPUMetrics
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV: %w", err)
		}
		sample, err := parseNvidiaSMIRecord(record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(samples), err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func parseNvidiaSMIRecord(record []string) (GPUMetrics, error) {
	if len(record) < 6 {
		return GPUMetrics{}, fmt.Errorf("unexpected field count: got %d, expected 6", len(record))
	}

	index, err := strconv.Atoi(strings.TrimSpace(record[0]))
	if err != nil {
		return GPUMetrics{}, fmt.Errorf("failed to parse index: %w", err)
	}
	values := make([]float64, 4)
	names := []string{"utilization", "temperature", "memory used", "memory total"}
	for i := range values {
		raw := strings.TrimSpace(record[i+2])
		// Some boards report "[N/A]" for temperature or utilization.
		if strings.Contains(raw, "N/A") {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return GPUMetrics{}, fmt.Errorf("failed to parse %s: %w", names[i], err)
		}
		values[i] = v
	}

	const mib = 1024 * 1024
	memUsed := int64(values[2] * mib)
	memTotal := int64(values[3] * mib)
	return GPUMetrics{
		Index:       index,
		Name:        strings.TrimSpace(record[1]),
		Utilization: values[0],
		Temperature: values[1],
		MemoryUsed:  memUsed,
		MemoryTotal: memTotal,
		MemoryFree:  memTotal - memUsed,
	}, nil
}

// GPUCollector samples a GPUReader on an interval and pushes results to a
// sink. Read failures mark the GPU unavailable but keep the last sample.
type GPUCollector struct {
	reader   GPUReader
	sink     GPUSink
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	last      []GPUMetrics
	available bool
	lastErr   error
	failures  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGPUCollector creates a collector. Intervals under a second become 5s.
func NewGPUCollector(reader GPUReader, sink GPUSink, interval time.Duration, logger *zap.Logger) *GPUCollector {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPUCollector{
		reader:   reader,
		sink:     sink,
		interval: interval,
		logger:   logger.Named("gpu"),
	}
}

// Start samples immediately and then on every tick until Stop or ctx ends.
func (c *GPUCollector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.CollectOnce(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CollectOnce(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit. It matches
// core.ShutdownFunc so it can be registered as a shutdown step.
func (c *GPUCollector) Stop(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

// CollectOnce takes a single sample.
func (c *GPUCollector) CollectOnce(ctx context.Context) {
	samples, err := c.reader.ReadGPUMetrics(ctx)

	c.mu.Lock()
	if err != nil {
		c.available = false
		c.lastErr = err
		c.failures++
	} else {
		c.available = true
		c.lastErr = nil
		c.failures = 0
		c.last = samples
	}
	failures := c.failures
	c.mu.Unlock()

	if err != nil {
		// Log the first failure only; a CPU host fails every tick.
		if failures == 1 {
			c.logger.Warn("GPU metrics unavailable", zap.Error(err))
		}
		if c.sink != nil {
			c.sink.SetGPUUnavailable()
		}
		return
	}
	if c.sink != nil {
		c.sink.UpdateGPUMetrics(samples)
	}
}

// IsAvailable reports whether the last read succeeded.
func (c *GPUCollector) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastError returns the error from the last read, if it failed.
func (c *GPUCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Current returns a copy of the most recent successful sample.
func (c *GPUCollector) Current() []GPUMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GPUMetrics, len(c.last))
	copy(out, c.last)
	return out
}
