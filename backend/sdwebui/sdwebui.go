package sdwebui

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"refgen_worker/imageio"
	"refgen_worker/pipeline"
)

const (
	backendName = "sdwebui"

	// adapterModule is the ControlNet preprocessor paired with IP-Adapter
	// Plus Face SDXL weights.
	adapterModule = "ip-adapter_clip_sdxl_plus_vith"

	lcmSampler = "LCM"
)

// Config configures the sd-webui backend.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration // used when HTTPClient is nil
	Auth       string        // optional "user:password" for --api-auth
}

// Loader selects a checkpoint on the remote server.
type Loader struct {
	client *client
}

// NewLoader creates a Loader for the server at cfg.BaseURL.
func NewLoader(cfg Config) *Loader {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Loader{client: newClient(cfg.BaseURL, httpClient, cfg.Auth)}
}

func (l *Loader) Name() string { return backendName }

// Load checks that modelID is one of the server's checkpoints and makes it
// the active one. The device is decided by the server.
func (l *Loader) Load(ctx context.Context, modelID string, _ pipeline.Device) (pipeline.Model, error) {
	var models []sdModel
	if err := l.client.get(ctx, pathModels, &models); err != nil {
		return nil, err
	}

	checkpoint := matchCheckpoint(models, modelID)
	if checkpoint == "" {
		return nil, fmt.Errorf("sdwebui: checkpoint %q not found among %d models on server", modelID, len(models))
	}

	options := map[string]interface{}{"sd_model_checkpoint": checkpoint}
	if err := l.client.post(ctx, pathOptions, options, nil); err != nil {
		return nil, err
	}
	return &Model{client: l.client, checkpoint: checkpoint}, nil
}

// matchCheckpoint finds the server title for modelID. A repository id such
// as "stabilityai/stable-diffusion-xl-base-1.0" matches by its last path
// element.
func matchCheckpoint(models []sdModel, modelID string) string {
	want := strings.ToLower(modelID)
	base := strings.ToLower(path.Base(modelID))
	for _, m := range models {
		title, name := strings.ToLower(m.Title), strings.ToLower(m.ModelName)
		if title == want || name == want || name == base || strings.HasPrefix(title, base) {
			return m.Title
		}
	}
	return ""
}

// Model generates through /sdapi/v1/txt2img. The server holds a single
// active checkpoint, so calls must not overlap.
type Model struct {
	client     *client
	checkpoint string

	mu           sync.RWMutex
	adapterModel string
	adapterScale float64
	sampler      string
	loraTag      string
}

// AttachAdapter requires the ControlNet extension to list the IP-Adapter
// weights.
func (m *Model) AttachAdapter(ctx context.Context, spec pipeline.AdapterSpec) error {
	var list controlNetModels
	if err := m.client.get(ctx, pathControlModel, &list); err != nil {
		return fmt.Errorf("sdwebui: ControlNet extension unavailable: %w", err)
	}

	want := strings.ToLower(strings.TrimSuffix(spec.WeightName, path.Ext(spec.WeightName)))
	for _, name := range list.ModelList {
		if strings.HasPrefix(strings.ToLower(name), want) {
			m.mu.Lock()
			m.adapterModel = name
			m.adapterScale = spec.Scale
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("sdwebui: adapter %q not installed in ControlNet", spec.WeightName)
}

// SetSchedule switches to the LCM sampler and tags the prompt with the LCM
// LoRA. Both must be installed on the server.
func (m *Model) SetSchedule(ctx context.Context, spec pipeline.ScheduleSpec) error {
	if spec.Kind != pipeline.ScheduleLCM {
		return fmt.Errorf("sdwebui: unknown schedule %q", spec.Kind)
	}

	var samplers []sampler
	if err := m.client.get(ctx, pathSamplers, &samplers); err != nil {
		return err
	}
	if !hasSampler(samplers, lcmSampler) {
		return fmt.Errorf("sdwebui: %s sampler not available", lcmSampler)
	}

	var loras []lora
	if err := m.client.get(ctx, pathLoras, &loras); err != nil {
		return err
	}
	want := strings.ToLower(path.Base(spec.LoRA))
	for _, l := range loras {
		if strings.ToLower(l.Name) == want || strings.ToLower(l.Alias) == want {
			m.mu.Lock()
			m.sampler = lcmSampler
			m.loraTag = fmt.Sprintf("<lora:%s:1>", l.Name)
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("sdwebui: LoRA %q not installed", spec.LoRA)
}

func hasSampler(samplers []sampler, name string) bool {
	for _, s := range samplers {
		if strings.EqualFold(s.Name, name) {
			return true
		}
		for _, alias := range s.Aliases {
			if strings.EqualFold(alias, name) {
				return true
			}
		}
	}
	return false
}

// EnableMemoryEfficientAttention selects xformers cross-attention.
func (m *Model) EnableMemoryEfficientAttention(ctx context.Context) error {
	return m.client.post(ctx, pathOptions, map[string]interface{}{
		"cross_attention_optimization": "xformers",
	}, nil)
}

func (m *Model) SupportsConcurrency() bool { return false }

// Generate runs txt2img. With the adapter attached, every reference becomes
// one ControlNet unit in the order given.
func (m *Model) Generate(ctx context.Context, inv pipeline.Invocation) (image.Image, error) {
	m.mu.RLock()
	adapterModel, scale := m.adapterModel, m.adapterScale
	sampler, loraTag := m.sampler, m.loraTag
	m.mu.RUnlock()

	prompt := inv.Prompt
	if loraTag != "" {
		prompt = prompt + " " + loraTag
	}

	req := txt2ImgRequest{
		Prompt:         prompt,
		NegativePrompt: inv.NegativePrompt,
		Steps:          inv.Steps,
		CFGScale:       inv.Guidance,
		Width:          inv.Width,
		Height:         inv.Height,
		Seed:           inv.Seed & 0xFFFFFFFF,
		SamplerName:    sampler,
		BatchSize:      1,
	}

	if refs := inv.Conditioning.Images(); adapterModel != "" && len(refs) > 0 {
		units := make([]controlNetUnit, 0, len(refs))
		for i, ref := range refs {
			data, err := imageio.EncodePNG(ref)
			if err != nil {
				return nil, fmt.Errorf("sdwebui: reference %d: %w", i, err)
			}
			units = append(units, controlNetUnit{
				Enabled:      true,
				Module:       adapterModule,
				Model:        adapterModel,
				Weight:       scale,
				Image:        imageio.EncodeBase64(data),
				PixelPerfect: true,
			})
		}
		req.AlwaysOnScripts = map[string]alwaysOnScript{"controlnet": {Args: units}}
	}

	var resp txt2ImgResponse
	if err := m.client.post(ctx, pathTxt2Img, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("sdwebui: txt2img returned no images")
	}

	data, err := imageio.DecodeBase64(resp.Images[0])
	if err != nil {
		return nil, fmt.Errorf("sdwebui: output image: %w", err)
	}
	img, err := imageio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("sdwebui: output image: %w", err)
	}
	return img, nil
}
