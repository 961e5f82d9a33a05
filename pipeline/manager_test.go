package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestManager_EnsureReady_ConcurrentCallersBuildOnce(t *testing.T) {
	loader := &stubLoader{model: &stubModel{}, delay: 50 * time.Millisecond}
	mgr := NewManager(loader, testOptions(), nil)

	const callers = 32
	results := make([]*Capability, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = mgr.EnsureReady(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("base model loaded %d times, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d observed a different capability instance", i)
		}
	}

	// Later calls return the cached instance without building.
	again, err := mgr.EnsureReady(context.Background())
	if err != nil || again != results[0] {
		t.Fatalf("EnsureReady after success = %p, %v", again, err)
	}
	if mgr.Builds() != 1 {
		t.Errorf("Builds() = %d, want 1", mgr.Builds())
	}
}

func TestManager_EnsureReady_BaseFailureIsRetried(t *testing.T) {
	loader := &stubLoader{model: &stubModel{}, failFirst: 2}
	mgr := NewManager(loader, testOptions(), nil)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := mgr.EnsureReady(ctx)
		if !errors.Is(err, ErrBaseLoadFailed) {
			t.Fatalf("attempt %d: error = %v, want ErrBaseLoadFailed", attempt, err)
		}
		if !errors.Is(err, errWeightsMissing) {
			t.Errorf("attempt %d: cause not wrapped: %v", attempt, err)
		}
		if mgr.Ready() != nil {
			t.Fatalf("attempt %d: failed build must not be cached", attempt)
		}
	}

	c, err := mgr.EnsureReady(ctx)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if c == nil || mgr.Ready() != c {
		t.Fatal("successful build was not published")
	}
	if got := loader.loads.Load(); got != 3 {
		t.Errorf("loads = %d, want 3", got)
	}
}

func TestManager_EnsureReady_LoaderPanicIsBaseFailure(t *testing.T) {
	mgr := NewManager(&stubLoader{panicLoad: true}, testOptions(), nil)

	_, err := mgr.EnsureReady(context.Background())
	if !errors.Is(err, ErrBaseLoadFailed) {
		t.Fatalf("error = %v, want ErrBaseLoadFailed", err)
	}
	if !strings.Contains(err.Error(), "loader exploded") {
		t.Errorf("panic value missing from error: %v", err)
	}
}

func TestManager_EnsureReady_NilModelIsBaseFailure(t *testing.T) {
	mgr := NewManager(&stubLoader{}, testOptions(), nil)

	if _, err := mgr.EnsureReady(context.Background()); !errors.Is(err, ErrBaseLoadFailed) {
		t.Fatalf("error = %v, want ErrBaseLoadFailed", err)
	}
}

func TestManager_OptionalFailuresDegrade(t *testing.T) {
	model := &stubModel{
		adapterPanic: true,
		scheduleErr:  errors.New("LCM LoRA incompatible"),
		attnErr:      errors.New("xformers not installed"),
	}
	opts := testOptions()
	opts.Device = DeviceCUDA
	opts.UseLCM = true
	obs := &recordingObserver{}
	mgr := NewManager(&stubLoader{model: model}, opts, nil)
	mgr.SetObserver(obs)

	c, err := mgr.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("optional failures must not fail EnsureReady: %v", err)
	}

	if len(c.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(c.Outcomes))
	}
	wantOrder := []string{FeatureIdentityAdapter, FeatureLCMSchedule, FeatureEfficientAttn}
	for i, o := range c.Outcomes {
		if o.Feature != wantOrder[i] {
			t.Errorf("outcome %d feature = %s, want %s", i, o.Feature, wantOrder[i])
		}
		if !o.Degraded() {
			t.Errorf("%s: attempted=%v succeeded=%v, want degraded", o.Feature, o.Attempted, o.Succeeded)
		}
		if o.Detail == "" {
			t.Errorf("%s: missing failure detail", o.Feature)
		}
	}
	if !strings.Contains(c.Outcomes[0].Detail, "adapter weights corrupted") {
		t.Errorf("adapter panic not captured: %q", c.Outcomes[0].Detail)
	}
	if c.AdapterEnabled || c.ScheduleEnabled || c.AttentionOptimized {
		t.Error("failed features must not be marked enabled")
	}

	p := testParams()
	p.References = []image.Image{solidImage(color.White)}
	res, err := mgr.Generate(context.Background(), p)
	if err != nil {
		t.Fatalf("base capability must still generate: %v", err)
	}
	if res.Image == nil {
		t.Fatal("nil image")
	}
	if len(obs.outcomes) != 3 || len(obs.builds) != 1 || obs.builds[0] != nil {
		t.Errorf("observer saw builds=%v outcomes=%d", obs.builds, len(obs.outcomes))
	}
}

func TestManager_StageGating(t *testing.T) {
	model := &stubModel{}
	mgr := NewManager(&stubLoader{model: model}, testOptions(), nil)

	c, err := mgr.EnsureReady(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	adapter, lcm, attn := c.Outcomes[0], c.Outcomes[1], c.Outcomes[2]
	if !adapter.Attempted || !adapter.Succeeded {
		t.Errorf("adapter outcome = %+v", adapter)
	}
	if !c.AdapterEnabled || c.AdapterScale != 0.7 {
		t.Errorf("adapter enabled=%v scale=%v", c.AdapterEnabled, c.AdapterScale)
	}
	if model.adapter == nil || model.adapter.WeightName != "ip-adapter-plus-face_sdxl_vit-h.safetensors" {
		t.Errorf("adapter spec not forwarded: %+v", model.adapter)
	}
	if lcm.Attempted || model.schedule != nil {
		t.Error("LCM stage must not run unless enabled")
	}
	if attn.Attempted {
		t.Error("attention stage must not run on cpu")
	}
}

func TestManager_ScheduleForwardsLoRA(t *testing.T) {
	model := &stubModel{}
	opts := testOptions()
	opts.UseLCM = true
	mgr := NewManager(&stubLoader{model: model}, opts, nil)

	c, err := mgr.EnsureReady(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !c.ScheduleEnabled {
		t.Fatal("schedule should be enabled")
	}
	if model.schedule.Kind != ScheduleLCM || model.schedule.LoRA != "latent-consistency/lcm-lora-sdxl" {
		t.Errorf("schedule spec = %+v", model.schedule)
	}
}

func TestManager_Generate_Conditioning(t *testing.T) {
	red := solidImage(color.RGBA{R: 255, A: 255})
	green := solidImage(color.RGBA{G: 255, A: 255})
	blue := solidImage(color.RGBA{B: 255, A: 255})

	tests := []struct {
		name       string
		refs       []image.Image
		wantSingle image.Image
		wantMulti  []image.Image
	}{
		{name: "no references"},
		{name: "single reference", refs: []image.Image{red}, wantSingle: red},
		{name: "ordered references", refs: []image.Image{blue, red, green}, wantMulti: []image.Image{blue, red, green}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubModel{}
			mgr := NewManager(&stubLoader{model: model}, testOptions(), nil)

			p := testParams()
			p.References = tt.refs
			if _, err := mgr.Generate(context.Background(), p); err != nil {
				t.Fatal(err)
			}

			got := model.lastCall().Conditioning
			if got.Single != tt.wantSingle {
				t.Errorf("Single = %v, want %v", got.Single, tt.wantSingle)
			}
			if len(got.Multiple) != len(tt.wantMulti) {
				t.Fatalf("Multiple has %d images, want %d", len(got.Multiple), len(tt.wantMulti))
			}
			for i := range tt.wantMulti {
				if got.Multiple[i] != tt.wantMulti[i] {
					t.Errorf("Multiple[%d] out of order", i)
				}
			}
		})
	}
}

func TestManager_Generate_AppliesNegativePrompt(t *testing.T) {
	model := &stubModel{}
	mgr := NewManager(&stubLoader{model: model}, testOptions(), nil)

	p := testParams()
	p.Prompt = "  a portrait  "
	if _, err := mgr.Generate(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	inv := model.lastCall()
	if inv.NegativePrompt != "deformed, bad anatomy, lowres, text, watermark" {
		t.Errorf("NegativePrompt = %q", inv.NegativePrompt)
	}
	if inv.Prompt != "a portrait" {
		t.Errorf("Prompt = %q, want trimmed", inv.Prompt)
	}
	if inv.Steps != 10 || inv.Guidance != 5.0 || inv.Width != 64 || inv.Height != 64 {
		t.Errorf("parameters not forwarded: %+v", inv)
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestManager_Generate_SeedIsDeterministic(t *testing.T) {
	mgr := NewManager(&stubLoader{model: &stubModel{concurrent: true}}, testOptions(), nil)
	ctx := context.Background()

	seed := int64(1234)
	p := testParams()
	p.Seed = &seed

	first, err := mgr.Generate(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Generate(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if first.Seed != seed || second.Seed != seed {
		t.Errorf("seeds = %d, %d, want %d", first.Seed, second.Seed, seed)
	}
	if !bytes.Equal(encodePNG(t, first.Image), encodePNG(t, second.Image)) {
		t.Error("same seed produced different images")
	}

	other := int64(99)
	p.Seed = &other
	third, err := mgr.Generate(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(encodePNG(t, first.Image), encodePNG(t, third.Image)) {
		t.Error("different seeds produced identical images")
	}
}

func TestManager_Generate_UnseededMarksInvocation(t *testing.T) {
	model := &stubModel{}
	mgr := NewManager(&stubLoader{model: model}, testOptions(), nil)

	res, err := mgr.Generate(context.Background(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	inv := model.lastCall()
	if inv.Seeded {
		t.Error("unseeded call marked as seeded")
	}
	if inv.Seed < 0 || res.Seed != inv.Seed {
		t.Errorf("seed = %d, result seed = %d", inv.Seed, res.Seed)
	}
}

func TestManager_Generate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		model   *stubModel
		wantMsg string
	}{
		{"model error", &stubModel{genErr: errors.New("CUDA out of memory")}, "CUDA out of memory"},
		{"model panic", &stubModel{genPanic: true}, "panic: CUDA out of memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			mgr := NewManager(&stubLoader{model: tt.model}, testOptions(), nil)
			mgr.SetObserver(obs)

			_, err := mgr.Generate(context.Background(), testParams())
			if !errors.Is(err, ErrGenerationFailed) {
				t.Fatalf("error = %v, want ErrGenerationFailed", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
			if tt.model.callCount() != 1 {
				t.Errorf("model called %d times, failures must not be retried", tt.model.callCount())
			}
			if len(obs.generates) != 1 || obs.generates[0] == nil {
				t.Errorf("observer generates = %v", obs.generates)
			}
		})
	}
}

func TestManager_Generate_InvalidParamsSkipsModel(t *testing.T) {
	loader := &stubLoader{model: &stubModel{}}
	mgr := NewManager(loader, testOptions(), nil)

	p := testParams()
	p.Width = 0
	_, err := mgr.Generate(context.Background(), p)
	if !errors.Is(err, ErrInvalidParams) || !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed wrapping ErrInvalidParams", err)
	}
	if loader.loads.Load() != 0 {
		t.Error("invalid params must not load the model")
	}
}

func TestManager_Generate_PropagatesBaseFailure(t *testing.T) {
	mgr := NewManager(&stubLoader{failFirst: 1, model: &stubModel{}}, testOptions(), nil)

	_, err := mgr.Generate(context.Background(), testParams())
	if !errors.Is(err, ErrBaseLoadFailed) || !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed wrapping ErrBaseLoadFailed", err)
	}
	if _, err := mgr.Generate(context.Background(), testParams()); err != nil {
		t.Fatalf("second call should retry and succeed: %v", err)
	}
}

func TestManager_Generate_SerializesNonConcurrentModel(t *testing.T) {
	model := &stubModel{genDelay: 20 * time.Millisecond}
	mgr := NewManager(&stubLoader{model: model}, testOptions(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Generate(context.Background(), testParams()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if peak := model.maxActive.Load(); peak != 1 {
		t.Errorf("peak concurrent generations = %d, want 1", peak)
	}
	if model.callCount() != 6 {
		t.Errorf("calls = %d, want 6", model.callCount())
	}
}

func TestManager_EnsureReady_CallerCancellationDoesNotAbortBuild(t *testing.T) {
	loader := &stubLoader{model: &stubModel{}, delay: 100 * time.Millisecond}
	mgr := NewManager(loader, testOptions(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := mgr.EnsureReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	c, err := mgr.EnsureReady(context.Background())
	if err != nil || c == nil {
		t.Fatalf("EnsureReady = %v, %v", c, err)
	}
	if got := loader.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want the detached build to be reused", got)
	}
}
