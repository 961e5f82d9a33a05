package pipeline

import "refgen_worker/core"

// Options configures a Manager.
type Options struct {
	ModelID string
	Device  Device
	Adapter AdapterSpec

	// UseLCM gates the accelerated schedule stage.
	UseLCM  bool
	LCMLoRA string
}

// OptionsFromConfig builds manager options from the worker configuration.
// The device must already be resolved (see ResolveDevice).
func OptionsFromConfig(cfg *core.Config, device Device) Options {
	return Options{
		ModelID: cfg.ModelID,
		Device:  device,
		Adapter: AdapterSpec{
			Source:     cfg.AdapterSource,
			Subfolder:  cfg.AdapterSubfolder,
			WeightName: cfg.AdapterWeight,
			Scale:      cfg.AdapterScale,
		},
		UseLCM:  cfg.UseLCM,
		LCMLoRA: cfg.LCMLoRA,
	}
}
