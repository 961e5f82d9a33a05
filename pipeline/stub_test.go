package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"
)

// stubModel records every call and can be told to fail or panic per stage.
type stubModel struct {
	adapterErr   error
	scheduleErr  error
	attnErr      error
	adapterPanic bool
	genErr       error
	genPanic     bool
	concurrent   bool
	genDelay     time.Duration

	mu       sync.Mutex
	adapter  *AdapterSpec
	schedule *ScheduleSpec
	calls    []Invocation

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *stubModel) AttachAdapter(_ context.Context, spec AdapterSpec) error {
	if s.adapterPanic {
		panic("adapter weights corrupted")
	}
	if s.adapterErr != nil {
		return s.adapterErr
	}
	s.mu.Lock()
	s.adapter = &spec
	s.mu.Unlock()
	return nil
}

func (s *stubModel) SetSchedule(_ context.Context, spec ScheduleSpec) error {
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	s.mu.Lock()
	s.schedule = &spec
	s.mu.Unlock()
	return nil
}

func (s *stubModel) EnableMemoryEfficientAttention(context.Context) error {
	return s.attnErr
}

// Generate paints every pixel from inv.Rand so seeded output is reproducible.
func (s *stubModel) Generate(_ context.Context, inv Invocation) (image.Image, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.maxActive.Load()
		if n <= peak || s.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, inv)
	s.mu.Unlock()

	if s.genDelay > 0 {
		time.Sleep(s.genDelay)
	}
	if s.genPanic {
		panic("CUDA out of memory")
	}
	if s.genErr != nil {
		return nil, s.genErr
	}

	img := image.NewRGBA(image.Rect(0, 0, inv.Width, inv.Height))
	for y := 0; y < inv.Height; y++ {
		for x := 0; x < inv.Width; x++ {
			v := uint8(inv.Rand.IntN(256))
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img, nil
}

func (s *stubModel) SupportsConcurrency() bool { return s.concurrent }

func (s *stubModel) lastCall() Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *stubModel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// stubLoader counts loads and fails the first failFirst attempts.
type stubLoader struct {
	model     *stubModel
	delay     time.Duration
	failFirst int32
	panicLoad bool

	loads atomic.Int32
}

var errWeightsMissing = errors.New("weights not found")

func (l *stubLoader) Name() string { return "stub" }

func (l *stubLoader) Load(_ context.Context, _ string, _ Device) (Model, error) {
	n := l.loads.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.panicLoad {
		panic("loader exploded")
	}
	if n <= l.failFirst {
		return nil, errWeightsMissing
	}
	return l.model, nil
}

func testOptions() Options {
	return Options{
		ModelID: "test/model",
		Device:  DeviceCPU,
		Adapter: AdapterSpec{
			Source:     "h94/IP-Adapter",
			Subfolder:  "sdxl_models",
			WeightName: "ip-adapter-plus-face_sdxl_vit-h.safetensors",
			Scale:      0.7,
		},
		LCMLoRA: "latent-consistency/lcm-lora-sdxl",
	}
}

func testParams() GenerateParams {
	return GenerateParams{
		Prompt:   "a portrait",
		Steps:    10,
		Guidance: 5.0,
		Width:    64,
		Height:   64,
	}
}

func solidImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// recordingObserver captures lifecycle events.
type recordingObserver struct {
	mu        sync.Mutex
	builds    []error
	outcomes  []FeatureOutcome
	generates []error
}

func (r *recordingObserver) BuildFinished(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = append(r.builds, err)
}

func (r *recordingObserver) FeatureRecorded(o FeatureOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) GenerateFinished(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generates = append(r.generates, err)
}
