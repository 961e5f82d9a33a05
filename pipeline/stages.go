package pipeline

import (
	"context"
	"fmt"
	"image"
)

// stage is one optional construction step.
type stage struct {
	feature string

	// skip, when non-empty, explains why the stage is not attempted.
	skip string

	run   func(ctx context.Context, model Model) error
	apply func(c *Capability)
}

// optionalStages returns the optional stages in construction order.
func (m *Manager) optionalStages() []stage {
	adapter := m.opts.Adapter
	stages := []stage{
		{
			feature: FeatureIdentityAdapter,
			run: func(ctx context.Context, model Model) error {
				return model.AttachAdapter(ctx, adapter)
			},
			apply: func(c *Capability) {
				c.AdapterEnabled = true
				c.AdapterScale = adapter.Scale
			},
		},
		{
			feature: FeatureLCMSchedule,
			run: func(ctx context.Context, model Model) error {
				return model.SetSchedule(ctx, ScheduleSpec{Kind: ScheduleLCM, LoRA: m.opts.LCMLoRA})
			},
			apply: func(c *Capability) { c.ScheduleEnabled = true },
		},
		{
			feature: FeatureEfficientAttn,
			run: func(ctx context.Context, model Model) error {
				return model.EnableMemoryEfficientAttention(ctx)
			},
			apply: func(c *Capability) { c.AttentionOptimized = true },
		},
	}

	if adapter.WeightName == "" {
		stages[0].skip = "no adapter weight configured"
	}
	if !m.opts.UseLCM {
		stages[1].skip = "USE_LCM is not enabled"
	}
	if !m.opts.Device.Accelerated() {
		stages[2].skip = fmt.Sprintf("device %s is not accelerated", m.opts.Device)
	}
	return stages
}

// runStage executes one optional stage and never fails.
func runStage(ctx context.Context, model Model, s stage, c *Capability) FeatureOutcome {
	outcome := FeatureOutcome{Feature: s.feature}
	if s.skip != "" {
		outcome.Detail = s.skip
		return outcome
	}

	outcome.Attempted = true
	if err := safeCall(func() error { return s.run(ctx, model) }); err != nil {
		outcome.Detail = err.Error()
		return outcome
	}
	outcome.Succeeded = true
	s.apply(c)
	return outcome
}

func loadBase(ctx context.Context, loader Loader, modelID string, device Device) (model Model, err error) {
	err = safeCall(func() error {
		var loadErr error
		model, loadErr = loader.Load(ctx, modelID, device)
		return loadErr
	})
	if err == nil && model == nil {
		err = fmt.Errorf("loader %s returned no model", loader.Name())
	}
	return model, err
}

func safeGenerate(ctx context.Context, model Model, inv Invocation) (img image.Image, err error) {
	err = safeCall(func() error {
		var genErr error
		img, genErr = model.Generate(ctx, inv)
		return genErr
	})
	if err == nil && img == nil {
		err = fmt.Errorf("model returned no image")
	}
	return img, err
}

// safeCall converts a panic in fn into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
