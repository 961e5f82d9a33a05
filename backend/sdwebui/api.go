package sdwebui

// API paths.
const (
	pathModels       = "/sdapi/v1/sd-models"
	pathOptions      = "/sdapi/v1/options"
	pathSamplers     = "/sdapi/v1/samplers"
	pathLoras        = "/sdapi/v1/loras"
	pathTxt2Img      = "/sdapi/v1/txt2img"
	pathControlModel = "/controlnet/model_list"
)

type sdModel struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
}

type sampler struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

type lora struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

type controlNetModels struct {
	ModelList []string `json:"model_list"`
}

// controlNetUnit is one ControlNet argument in alwayson_scripts.
type controlNetUnit struct {
	Enabled      bool    `json:"enabled"`
	Module       string  `json:"module"`
	Model        string  `json:"model"`
	Weight       float64 `json:"weight"`
	Image        string  `json:"image"`
	PixelPerfect bool    `json:"pixel_perfect"`
}

type alwaysOnScript struct {
	Args []controlNetUnit `json:"args"`
}

type txt2ImgRequest struct {
	Prompt          string                    `json:"prompt"`
	NegativePrompt  string                    `json:"negative_prompt"`
	Steps           int                       `json:"steps"`
	CFGScale        float64                   `json:"cfg_scale"`
	Width           int                       `json:"width"`
	Height          int                       `json:"height"`
	Seed            int64                     `json:"seed"`
	SamplerName     string                    `json:"sampler_name,omitempty"`
	BatchSize       int                       `json:"batch_size"`
	AlwaysOnScripts map[string]alwaysOnScript `json:"alwayson_scripts,omitempty"`
}

type txt2ImgResponse struct {
	Images []string `json:"images"`
}
