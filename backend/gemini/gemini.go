// Package gemini generates images with Google's Gemini image models through
// the official genai SDK. Reference images are sent as inline parts, which the
// model uses natively as an identity signal.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"refgen_worker/imageio"
	"refgen_worker/pipeline"
)

const backendName = "gemini"

// ErrNoImage is returned when the model answers without an image part.
var ErrNoImage = errors.New("gemini: response contained no image")

// Config configures the Gemini backend.
type Config struct {
	APIKey     string
	BaseURL    string // optional endpoint override
	HTTPClient *http.Client
}

// Loader creates a genai client and checks the model exists.
type Loader struct {
	cfg Config
}

func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

func (l *Loader) Name() string { return backendName }

// Load connects to the Gemini API and looks up modelID. The device is
// irrelevant for a hosted model.
func (l *Loader) Load(ctx context.Context, modelID string, _ pipeline.Device) (pipeline.Model, error) {
	if l.cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     l.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: l.cfg.HTTPClient,
	}
	if l.cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: l.cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	if _, err := client.Models.Get(ctx, modelID, nil); err != nil {
		return nil, fmt.Errorf("gemini: model %s unavailable: %w", modelID, err)
	}
	return &Model{client: client, modelID: modelID}, nil
}

// Model calls GenerateContent with image output enabled.
type Model struct {
	client  *genai.Client
	modelID string

	mu           sync.RWMutex
	adapter      bool
	adapterScale float64
}

// AttachAdapter enables sending reference images. Gemini has no adapter
// weights; the scale is expressed as an instruction in the prompt.
func (m *Model) AttachAdapter(_ context.Context, spec pipeline.AdapterSpec) error {
	if spec.Scale < 0 || spec.Scale > 1 {
		return fmt.Errorf("gemini: adapter scale %.2f outside [0,1]", spec.Scale)
	}
	m.mu.Lock()
	m.adapter = true
	m.adapterScale = spec.Scale
	m.mu.Unlock()
	return nil
}

func (m *Model) SetSchedule(context.Context, pipeline.ScheduleSpec) error {
	return fmt.Errorf("gemini: %w: sampling schedules", pipeline.ErrUnsupported)
}

func (m *Model) EnableMemoryEfficientAttention(context.Context) error {
	return fmt.Errorf("gemini: %w: attention settings", pipeline.ErrUnsupported)
}

func (m *Model) SupportsConcurrency() bool { return true }

// Generate sends the references (in order) followed by the prompt and returns
// the first image in the response. The model picks the resolution; only the
// closest supported aspect ratio is requested.
func (m *Model) Generate(ctx context.Context, inv pipeline.Invocation) (image.Image, error) {
	m.mu.RLock()
	adapter, scale := m.adapter, m.adapterScale
	m.mu.RUnlock()

	var parts []*genai.Part
	refs := inv.Conditioning.Images()
	if adapter && len(refs) > 0 {
		for i, ref := range refs {
			data, err := imageio.EncodePNG(ref)
			if err != nil {
				return nil, fmt.Errorf("gemini: reference %d: %w", i, err)
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: imageio.PNGMimeType}})
		}
	}
	parts = append(parts, &genai.Part{Text: buildPrompt(inv, adapter && len(refs) > 0, scale)})

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig:        &genai.ImageConfig{AspectRatio: nearestAspectRatio(inv.Width, inv.Height)},
		Seed:               genai.Ptr(int32(inv.Seed & math.MaxInt32)),
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.modelID, []*genai.Content{{Role: "user", Parts: parts}}, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generation failed: %w", err)
	}
	return firstImage(resp)
}

// buildPrompt folds the negative prompt and conditioning strength into text,
// since the API has no separate fields for them.
func buildPrompt(inv pipeline.Invocation, withRefs bool, scale float64) string {
	var b strings.Builder
	b.WriteString(inv.Prompt)
	if withRefs {
		switch {
		case scale >= 0.66:
			b.WriteString("\nKeep the identity of the person in the reference images closely.")
		case scale >= 0.33:
			b.WriteString("\nUse the reference images as a guide for the person's identity.")
		default:
			b.WriteString("\nTake loose inspiration from the reference images.")
		}
	}
	if inv.NegativePrompt != "" {
		b.WriteString("\nAvoid: ")
		b.WriteString(inv.NegativePrompt)
	}
	return b.String()
}

var aspectRatios = []struct {
	name  string
	ratio float64
}{
	{"1:1", 1}, {"2:3", 2.0 / 3}, {"3:2", 1.5}, {"3:4", 0.75}, {"4:3", 4.0 / 3},
	{"9:16", 9.0 / 16}, {"16:9", 16.0 / 9}, {"21:9", 21.0 / 9},
}

// nearestAspectRatio maps a pixel size to the closest supported ratio.
func nearestAspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	target := math.Log(float64(width) / float64(height))
	best, bestDist := "1:1", math.Inf(1)
	for _, ar := range aspectRatios {
		if d := math.Abs(math.Log(ar.ratio) - target); d < bestDist {
			best, bestDist = ar.name, d
		}
	}
	return best
}

func firstImage(resp *genai.GenerateContentResponse) (image.Image, error) {
	if resp == nil {
		return nil, ErrNoImage
	}
	var text []string
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				img, err := imageio.Decode(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini: output image: %w", err)
				}
				return img, nil
			}
			if part.Text != "" {
				text = append(text, part.Text)
			}
		}
	}
	if len(text) > 0 {
		return nil, fmt.Errorf("%w: model said %q", ErrNoImage, strings.Join(text, " "))
	}
	return nil, ErrNoImage
}
