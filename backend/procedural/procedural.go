// Package procedural is a local, dependency-free generation backend. It
// renders a deterministic image from the prompt and the invocation's random
// stream and, when the identity adapter is attached, blends the reference
// images in at the conditioning strength.
//
// It exists so the worker can run end to end on CPU-only hosts and in CI.
package procedural

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"sync"

	"golang.org/x/image/draw"

	"refgen_worker/pipeline"
)

const backendName = "procedural"

const (
	// MaxPixels bounds one render. Larger requests fail in Generate.
	MaxPixels = 2048 * 2048

	// lcmStepGain is how many ordinary steps one LCM step is worth.
	lcmStepGain = 6
)

// Loader creates procedural models.
type Loader struct {
	// WeightsDir, when set, must exist for Load to succeed. It stands in for
	// the mounted model volume.
	WeightsDir string
}

// NewLoader returns a Loader that requires weightsDir to exist when non-empty.
func NewLoader(weightsDir string) *Loader {
	return &Loader{WeightsDir: weightsDir}
}

func (l *Loader) Name() string { return backendName }

// Load returns a new Model. The device is recorded but rendering always
// happens on the CPU.
func (l *Loader) Load(ctx context.Context, modelID string, device pipeline.Device) (pipeline.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if modelID == "" {
		return nil, fmt.Errorf("procedural: model id is required")
	}
	if l.WeightsDir != "" {
		info, err := os.Stat(l.WeightsDir)
		if err != nil {
			return nil, fmt.Errorf("procedural: model weights not available: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("procedural: %s is not a directory", l.WeightsDir)
		}
	}
	return &Model{modelID: modelID, device: device}, nil
}

// Model renders images procedurally. It is safe for concurrent Generate calls
// once construction has finished.
type Model struct {
	modelID string
	device  pipeline.Device

	mu       sync.RWMutex
	adapter  *pipeline.AdapterSpec
	schedule *pipeline.ScheduleSpec
}

func (m *Model) AttachAdapter(_ context.Context, spec pipeline.AdapterSpec) error {
	if spec.WeightName == "" {
		return fmt.Errorf("procedural: adapter weight name is required")
	}
	if spec.Scale < 0 || spec.Scale > 1 {
		return fmt.Errorf("procedural: adapter scale %.2f outside [0,1]", spec.Scale)
	}
	m.mu.Lock()
	m.adapter = &spec
	m.mu.Unlock()
	return nil
}

func (m *Model) SetSchedule(_ context.Context, spec pipeline.ScheduleSpec) error {
	if spec.Kind != pipeline.ScheduleLCM {
		return fmt.Errorf("procedural: unknown schedule %q", spec.Kind)
	}
	if spec.LoRA == "" {
		return fmt.Errorf("procedural: LCM schedule requires a LoRA")
	}
	m.mu.Lock()
	m.schedule = &spec
	m.mu.Unlock()
	return nil
}

// EnableMemoryEfficientAttention always fails: there is no attention kernel
// to swap on the CPU renderer.
func (m *Model) EnableMemoryEfficientAttention(context.Context) error {
	return fmt.Errorf("procedural: %w: memory-efficient attention", pipeline.ErrUnsupported)
}

func (m *Model) SupportsConcurrency() bool { return true }

// Generate renders inv.Width×inv.Height pixels. All randomness is drawn from
// inv.Rand, so the same seed and inputs reproduce the same image. With the
// LCM schedule set, each step removes as much noise as several plain steps.
func (m *Model) Generate(ctx context.Context, inv pipeline.Invocation) (image.Image, error) {
	if inv.Width <= 0 || inv.Height <= 0 {
		return nil, fmt.Errorf("procedural: invalid size %dx%d", inv.Width, inv.Height)
	}
	if int64(inv.Width)*int64(inv.Height) > MaxPixels {
		return nil, fmt.Errorf("procedural: %dx%d exceeds %d pixels", inv.Width, inv.Height, MaxPixels)
	}
	if inv.Rand == nil {
		return nil, fmt.Errorf("procedural: invocation has no random stream")
	}

	m.mu.RLock()
	adapter := m.adapter
	schedule := m.schedule
	m.mu.RUnlock()

	steps := inv.Steps
	if schedule != nil {
		steps *= lcmStepGain
	}
	out := renderField(inv, steps)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	refs := inv.Conditioning.Images()
	if adapter != nil && len(refs) > 0 && adapter.Scale > 0 {
		blendReferences(out, refs, adapter.Scale)
	}
	return out, nil
}

// promptPalette derives two endpoint colors from the prompt text.
func promptPalette(prompt string) (color.RGBA, color.RGBA) {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	sum := h.Sum64()
	from := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
	to := color.RGBA{R: uint8(sum >> 24), G: uint8(sum >> 32), B: uint8(sum >> 40), A: 255}
	return from, to
}

// renderField draws a diagonal gradient between the prompt colors with
// seeded noise. More steps and higher guidance give a cleaner field.
func renderField(inv pipeline.Invocation, steps int) *image.RGBA {
	from, to := promptPalette(inv.Prompt)
	out := image.NewRGBA(image.Rect(0, 0, inv.Width, inv.Height))

	amplitude := 96 / (1 + float64(steps)/8) / (1 + inv.Guidance/10)
	span := float64(inv.Width + inv.Height - 2)
	if span <= 0 {
		span = 1
	}

	for y := 0; y < inv.Height; y++ {
		for x := 0; x < inv.Width; x++ {
			t := float64(x+y) / span
			noise := (inv.Rand.Float64()*2 - 1) * amplitude
			i := out.PixOffset(x, y)
			out.Pix[i+0] = clamp(lerp(from.R, to.R, t) + noise)
			out.Pix[i+1] = clamp(lerp(from.G, to.G, t) + noise)
			out.Pix[i+2] = clamp(lerp(from.B, to.B, t) + noise)
			out.Pix[i+3] = 255
		}
	}
	return out
}

// blendReferences scales each reference to the output size and mixes their
// weighted average into out at strength scale. Earlier references weigh more.
func blendReferences(out *image.RGBA, refs []image.Image, scale float64) {
	bounds := out.Bounds()
	n := bounds.Dx() * bounds.Dy() * 4
	acc := make([]float64, n)

	var total float64
	scaled := image.NewRGBA(bounds)
	for i, ref := range refs {
		weight := 1 / float64(i+1)
		total += weight
		draw.CatmullRom.Scale(scaled, bounds, ref, ref.Bounds(), draw.Src, nil)
		for p := 0; p < n; p++ {
			acc[p] += weight * float64(scaled.Pix[p])
		}
	}

	for p := 0; p < n; p += 4 {
		for c := 0; c < 3; c++ {
			ref := acc[p+c] / total
			out.Pix[p+c] = clamp((1-scale)*float64(out.Pix[p+c]) + scale*ref)
		}
	}
}

func lerp(a, b uint8, t float64) float64 {
	return float64(a) + (float64(b)-float64(a))*t
}

func clamp(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
