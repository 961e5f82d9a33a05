package pipeline

import (
	"context"
	"image"
	"math/rand/v2"
	"time"
)

// Loader constructs the base model. It is the only mandatory stage.
type Loader interface {
	// Name identifies the backend in logs and health output.
	Name() string
	Load(ctx context.Context, modelID string, device Device) (Model, error)
}

// Model is the opaque generation capability provided by a backend. The
// optional methods may return an error (ErrUnsupported or a backend failure);
// the manager records the failure and keeps using the model.
type Model interface {
	AttachAdapter(ctx context.Context, spec AdapterSpec) error
	SetSchedule(ctx context.Context, spec ScheduleSpec) error
	EnableMemoryEfficientAttention(ctx context.Context) error
	Generate(ctx context.Context, inv Invocation) (image.Image, error)

	// SupportsConcurrency reports whether Generate may run concurrently.
	SupportsConcurrency() bool
}

// AdapterSpec names the identity adapter weights and conditioning strength.
type AdapterSpec struct {
	Source     string  // Repository or server-side model name
	Subfolder  string  // Subfolder holding the weights, may be empty
	WeightName string  // Weight file name
	Scale      float64 // Conditioning strength in [0,1]
}

// ScheduleKind selects a sampling schedule.
type ScheduleKind string

const ScheduleLCM ScheduleKind = "lcm"

// ScheduleSpec selects an accelerated schedule and the LoRA it depends on.
type ScheduleSpec struct {
	Kind ScheduleKind
	LoRA string
}

// Conditioning carries reference images to the model. Exactly one of Single
// or Multiple is set when references are present; both are empty otherwise.
type Conditioning struct {
	Single   image.Image
	Multiple []image.Image
}

// NewConditioning maps one reference to Single and two or more to an ordered
// copy in Multiple.
func NewConditioning(refs []image.Image) Conditioning {
	switch len(refs) {
	case 0:
		return Conditioning{}
	case 1:
		return Conditioning{Single: refs[0]}
	default:
		multiple := make([]image.Image, len(refs))
		copy(multiple, refs)
		return Conditioning{Multiple: multiple}
	}
}

// Images returns the references in order regardless of representation.
func (c Conditioning) Images() []image.Image {
	if c.Single != nil {
		return []image.Image{c.Single}
	}
	return c.Multiple
}

// Len is the number of reference images.
func (c Conditioning) Len() int {
	if c.Single != nil {
		return 1
	}
	return len(c.Multiple)
}

// Invocation is one call into Model.Generate.
type Invocation struct {
	Prompt         string
	NegativePrompt string
	Conditioning   Conditioning
	Steps          int
	Guidance       float64
	Width          int
	Height         int

	// Seed is always concrete. Seeded reports whether the caller chose it.
	Seed   int64
	Seeded bool

	// Rand is the stream derived from Seed. Backends that sample locally must
	// draw all randomness from it.
	Rand *rand.Rand
}

// Capability is the ready generation capability. It is immutable once
// published by the manager.
type Capability struct {
	Backend            string           `json:"backend"`
	ModelID            string           `json:"model_id"`
	Device             Device           `json:"device"`
	AdapterEnabled     bool             `json:"adapter_enabled"`
	AdapterScale       float64          `json:"adapter_scale,omitempty"`
	ScheduleEnabled    bool             `json:"schedule_enabled"`
	AttentionOptimized bool             `json:"attention_optimized"`
	Outcomes           []FeatureOutcome `json:"outcomes"`
	ReadyAt            time.Time        `json:"ready_at"`

	model Model
}
