package sdwebui

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"refgen_worker/imageio"
	"refgen_worker/pipeline"
)

// fakeServer emulates the sd-webui endpoints the backend uses.
type fakeServer struct {
	t *testing.T

	models      []sdModel
	controlNet  []string
	samplers    []sampler
	loras       []lora
	txt2imgCode int
	failControl bool

	mu       sync.Mutex
	options  []map[string]interface{}
	requests []txt2ImgRequest
	auth     string
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t: t,
		models: []sdModel{
			{Title: "sd_xl_base_1.0.safetensors [31e35c80fc]", ModelName: "sd_xl_base_1.0"},
			{Title: "stable-diffusion-xl-base-1.0.safetensors [abc]", ModelName: "stable-diffusion-xl-base-1.0"},
		},
		controlNet: []string{"canny_sdxl [aa11]", "ip-adapter-plus-face_sdxl_vit-h [5d3a2f]"},
		samplers:   []sampler{{Name: "Euler a"}, {Name: "LCM"}},
		loras:      []lora{{Name: "lcm-lora-sdxl", Alias: "lcm-lora-sdxl"}},
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if user, pass, ok := r.BasicAuth(); ok {
		f.auth = user + ":" + pass
	}
	f.mu.Unlock()

	writeJSON := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case pathModels:
		writeJSON(f.models)
	case pathOptions:
		var opts map[string]interface{}
		json.NewDecoder(r.Body).Decode(&opts)
		f.mu.Lock()
		f.options = append(f.options, opts)
		f.mu.Unlock()
		writeJSON(nil)
	case pathControlModel:
		if f.failControl {
			http.NotFound(w, r)
			return
		}
		writeJSON(controlNetModels{ModelList: f.controlNet})
	case pathSamplers:
		writeJSON(f.samplers)
	case pathLoras:
		writeJSON(f.loras)
	case pathTxt2Img:
		if f.txt2imgCode != 0 {
			w.WriteHeader(f.txt2imgCode)
			w.Write([]byte(`{"error":"OutOfMemoryError"}`))
			return
		}
		var req txt2ImgRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
		data, err := imageio.EncodePNG(img)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(txt2ImgResponse{Images: []string{imageio.EncodeBase64(data)}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) lastRequest() txt2ImgRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeServer) optionsSeen() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.options...)
}

func (f *fakeServer) authSeen() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func startFake(t *testing.T) (*fakeServer, *Loader) {
	t.Helper()
	fake := newFakeServer(t)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, NewLoader(Config{BaseURL: srv.URL + "/", Auth: "user:secret"})
}

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestLoader_Load_SelectsCheckpoint(t *testing.T) {
	fake, loader := startFake(t)

	model, err := loader.Load(context.Background(), "stabilityai/stable-diffusion-xl-base-1.0", pipeline.DeviceCUDA)
	if err != nil {
		t.Fatal(err)
	}
	if model.SupportsConcurrency() {
		t.Error("sd-webui model must be serialized")
	}
	opts := fake.optionsSeen()
	if len(opts) != 1 || opts[0]["sd_model_checkpoint"] != "stable-diffusion-xl-base-1.0.safetensors [abc]" {
		t.Errorf("options = %v", opts)
	}
	if fake.authSeen() != "user:secret" {
		t.Errorf("basic auth = %q", fake.authSeen())
	}
}

func TestLoader_Load_Failures(t *testing.T) {
	_, loader := startFake(t)
	if _, err := loader.Load(context.Background(), "unknown/model", pipeline.DeviceCPU); err == nil {
		t.Error("unknown checkpoint should fail")
	}

	down := NewLoader(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := down.Load(context.Background(), "sd_xl_base_1.0", pipeline.DeviceCPU); err == nil {
		t.Error("unreachable server should fail")
	}
}

func TestModel_OptionalStages(t *testing.T) {
	fake, loader := startFake(t)
	ctx := context.Background()
	m, err := loader.Load(ctx, "sd_xl_base_1.0", pipeline.DeviceCUDA)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.AttachAdapter(ctx, pipeline.AdapterSpec{WeightName: "ip-adapter-plus-face_sdxl_vit-h.safetensors", Scale: 0.7}); err != nil {
		t.Errorf("AttachAdapter: %v", err)
	}
	if err := m.AttachAdapter(ctx, pipeline.AdapterSpec{WeightName: "missing.safetensors"}); err == nil {
		t.Error("missing adapter should fail")
	}
	if err := m.SetSchedule(ctx, pipeline.ScheduleSpec{Kind: pipeline.ScheduleLCM, LoRA: "latent-consistency/lcm-lora-sdxl"}); err != nil {
		t.Errorf("SetSchedule: %v", err)
	}
	if err := m.SetSchedule(ctx, pipeline.ScheduleSpec{Kind: pipeline.ScheduleLCM, LoRA: "other/lora"}); err == nil {
		t.Error("missing LoRA should fail")
	}
	if err := m.EnableMemoryEfficientAttention(ctx); err != nil {
		t.Errorf("EnableMemoryEfficientAttention: %v", err)
	}
	opts := fake.optionsSeen()
	last := opts[len(opts)-1]
	if last["cross_attention_optimization"] != "xformers" {
		t.Errorf("attention option = %v", last)
	}
}

func TestModel_Generate(t *testing.T) {
	fake, loader := startFake(t)
	ctx := context.Background()
	m, err := loader.Load(ctx, "sd_xl_base_1.0", pipeline.DeviceCUDA)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AttachAdapter(ctx, pipeline.AdapterSpec{WeightName: "ip-adapter-plus-face_sdxl_vit-h.safetensors", Scale: 0.7}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSchedule(ctx, pipeline.ScheduleSpec{Kind: pipeline.ScheduleLCM, LoRA: "lcm-lora-sdxl"}); err != nil {
		t.Fatal(err)
	}

	refs := []image.Image{solid(color.RGBA{R: 255, A: 255}), solid(color.RGBA{B: 255, A: 255})}
	img, err := m.Generate(ctx, pipeline.Invocation{
		Prompt:         "a portrait",
		NegativePrompt: pipeline.NegativePrompt,
		Conditioning:   pipeline.NewConditioning(refs),
		Steps:          8,
		Guidance:       1.5,
		Width:          64,
		Height:         48,
		Seed:           1234,
	})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 64, 48) {
		t.Errorf("bounds = %v", img.Bounds())
	}

	req := fake.lastRequest()
	if req.Prompt != "a portrait <lora:lcm-lora-sdxl:1>" || req.SamplerName != "LCM" {
		t.Errorf("prompt=%q sampler=%q", req.Prompt, req.SamplerName)
	}
	if req.NegativePrompt != pipeline.NegativePrompt || req.Seed != 1234 || req.Steps != 8 {
		t.Errorf("request = %+v", req)
	}
	units := req.AlwaysOnScripts["controlnet"].Args
	if len(units) != 2 {
		t.Fatalf("got %d ControlNet units, want 2", len(units))
	}
	for i, want := range []uint8{255, 0} {
		data, err := imageio.DecodeBase64(units[i].Image)
		if err != nil {
			t.Fatal(err)
		}
		ref, err := imageio.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		if ref.RGBAAt(0, 0).R != want {
			t.Errorf("unit %d is out of order", i)
		}
		if units[i].Weight != 0.7 || !strings.HasPrefix(units[i].Model, "ip-adapter-plus-face") {
			t.Errorf("unit %d = %+v", i, units[i])
		}
	}
}

func TestModel_Generate_WithoutAdapterSendsNoUnits(t *testing.T) {
	fake, loader := startFake(t)
	fake.failControl = true
	ctx := context.Background()
	m, err := loader.Load(ctx, "sd_xl_base_1.0", pipeline.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AttachAdapter(ctx, pipeline.AdapterSpec{WeightName: "ip-adapter-plus-face_sdxl_vit-h.safetensors"}); err == nil {
		t.Fatal("adapter should fail without ControlNet")
	}

	_, err = m.Generate(ctx, pipeline.Invocation{
		Prompt:       "a portrait",
		Conditioning: pipeline.NewConditioning([]image.Image{solid(color.RGBA{A: 255})}),
		Steps:        4, Guidance: 5, Width: 64, Height: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req := fake.lastRequest(); req.AlwaysOnScripts != nil {
		t.Errorf("references must be ignored without the adapter: %+v", req.AlwaysOnScripts)
	}
}

func TestModel_Generate_ServerError(t *testing.T) {
	fake, loader := startFake(t)
	fake.txt2imgCode = http.StatusInternalServerError
	m, err := loader.Load(context.Background(), "sd_xl_base_1.0", pipeline.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Generate(context.Background(), pipeline.Invocation{Prompt: "x", Steps: 1, Guidance: 1, Width: 64, Height: 64})
	if !errors.Is(err, ErrAPIStatus) {
		t.Fatalf("error = %v, want ErrAPIStatus", err)
	}
	if !strings.Contains(err.Error(), "OutOfMemoryError") {
		t.Errorf("server message not surfaced: %v", err)
	}
}
