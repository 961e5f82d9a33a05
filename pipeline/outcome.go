package pipeline

// Optional feature names.
const (
	FeatureIdentityAdapter = "identity_adapter"
	FeatureLCMSchedule     = "lcm_schedule"
	FeatureEfficientAttn   = "memory_efficient_attention"
)

// FeatureOutcome records what happened to one optional stage.
type FeatureOutcome struct {
	Feature   string `json:"feature"`
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// Degraded reports an attempted stage that failed.
func (o FeatureOutcome) Degraded() bool {
	return o.Attempted && !o.Succeeded
}
