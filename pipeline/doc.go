// Package pipeline owns the process-wide generation capability: a base
// text-to-image model, optionally augmented with an identity adapter, an
// accelerated sampling schedule and memory-efficient attention.
//
// The package is organized in three layers:
//
//   - Atoms: pure functions (ValidateParams, ValidatePrompt, RandomSeed, NewRand)
//   - Contracts: the Loader and Model interfaces implemented by backends
//   - Manager: the once-guarded lifecycle around one Model
//
// # Quick Start
//
//	loader := procedural.NewLoader()
//	mgr := pipeline.NewManager(loader, pipeline.OptionsFromConfig(cfg, pipeline.DeviceCPU), logger)
//
//	// Construction happens at most once; concurrent callers share it.
//	capability, err := mgr.EnsureReady(ctx)
//	if err != nil {
//	    // Only the base stage can fail. Calling again retries from scratch.
//	    return err
//	}
//	for _, o := range capability.Outcomes {
//	    log.Printf("%s attempted=%v ok=%v %s", o.Feature, o.Attempted, o.Succeeded, o.Detail)
//	}
//
//	result, err := mgr.Generate(ctx, pipeline.GenerateParams{
//	    Prompt:     "a portrait in soft light",
//	    References: refs,
//	    Steps:      28,
//	    Guidance:   5.0,
//	    Width:      1024,
//	    Height:     1024,
//	})
//
// # Construction sequence
//
//  1. Base model (mandatory). Failure is returned as ErrBaseLoadFailed and
//     nothing is cached.
//  2. Identity adapter (optional) at the configured conditioning strength.
//  3. LCM schedule (optional, only when UseLCM is set).
//  4. Memory-efficient attention (optional, only on cuda).
//
// Optional stage failures, including panics, are recorded as FeatureOutcome
// values and logged. They never fail EnsureReady.
//
// # Generation
//
// Generate ensures readiness implicitly. A single reference image is passed to
// the model as Conditioning.Single; two or more are passed in order as
// Conditioning.Multiple. The fixed NegativePrompt is applied to every call.
// When the model reports it is not safe for concurrent use, calls are
// serialized.
package pipeline
