package handlers

import (
	"image"
	"strings"

	"refgen_worker/core"
	"refgen_worker/pipeline"
)

// Defaults fill request fields the caller left out.
type Defaults struct {
	Steps        int
	Guidance     float64
	Width        int
	Height       int
	ReturnBase64 bool
}

// DefaultsForProfile returns the defaults of a PROFILE value. Unknown
// profiles get the standard defaults.
func DefaultsForProfile(profile string) Defaults {
	d := Defaults{
		Steps:        28,
		Guidance:     5.0,
		Width:        1024,
		Height:       1024,
		ReturnBase64: true,
	}
	if profile == core.ProfileLight {
		d.Steps = 20
		d.Width, d.Height = 768, 768
	}
	return d
}

// Request is a validated generation request. Images holds the raw entries
// (URLs or base64) in caller order.
type Request struct {
	Prompt       string
	Images       []string
	Steps        int
	Guidance     float64
	Seed         *int64
	Width        int
	Height       int
	ReturnBase64 bool
}

// Params converts the request to pipeline parameters with the given
// decoded references.
func (r *Request) Params(refs []image.Image) pipeline.GenerateParams {
	return pipeline.GenerateParams{
		Prompt:     r.Prompt,
		References: refs,
		Steps:      r.Steps,
		Guidance:   r.Guidance,
		Seed:       r.Seed,
		Width:      r.Width,
		Height:     r.Height,
	}
}

// ParseRequest coerces and validates input. It never touches the network
// or the model, so a failure here is always cheap to return.
func ParseRequest(input Input, d Defaults) (*Request, error) {
	prompt, _, err := GetStringField(input, "prompt")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}

	images, err := GetStringListField(input, "images")
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, ErrImagesRequired
	}

	req := &Request{Prompt: prompt, Images: images}
	if req.Steps, err = GetIntField(input, "steps", d.Steps); err != nil {
		return nil, err
	}
	if req.Guidance, err = GetFloatField(input, "guidance", d.Guidance); err != nil {
		return nil, err
	}
	if req.Seed, err = GetSeedField(input, "seed"); err != nil {
		return nil, err
	}
	if req.Width, err = GetIntField(input, "width", d.Width); err != nil {
		return nil, err
	}
	if req.Height, err = GetIntField(input, "height", d.Height); err != nil {
		return nil, err
	}
	if req.ReturnBase64, err = GetBoolField(input, "return_base64", d.ReturnBase64); err != nil {
		return nil, err
	}

	// References are decoded later; range checks run now.
	if err := pipeline.ValidateParams(req.Params(nil)); err != nil {
		return nil, err
	}
	return req, nil
}
