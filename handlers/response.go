package handlers

// Kind classifies a failed response.
type Kind string

// Failure kinds. Every error response carries one.
const (
	KindValidationFailed   Kind = "validation_failed"
	KindPipelineLoadFailed Kind = "pipeline_load_failed"
	KindReadImagesFailed   Kind = "read_images_failed"
	KindInferenceFailed    Kind = "inference_failed"
	KindEncodeFailed       Kind = "encode_failed"
	KindInternalError      Kind = "internal_error"
)

// Kinds lists every failure kind, for metrics label pre-registration.
var Kinds = []Kind{
	KindValidationFailed,
	KindPipelineLoadFailed,
	KindReadImagesFailed,
	KindInferenceFailed,
	KindEncodeFailed,
	KindInternalError,
}

// Response is the handler output: an image payload or a structured failure,
// never both.
type Response struct {
	ImageBase64  string `json:"image_base64,omitempty"`
	ImageDataURL string `json:"image_data_url,omitempty"`

	Error  string `json:"error,omitempty"`
	Kind   Kind   `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

// Failed reports whether r is an error response.
func (r Response) Failed() bool {
	return r.Error != ""
}

// Outcome is the metrics label for r: "success" or the failure kind.
func (r Response) Outcome() string {
	if r.Failed() {
		return string(r.Kind)
	}
	return "success"
}

func failure(kind Kind, msg string, err error) Response {
	r := Response{Error: msg, Kind: kind}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}
