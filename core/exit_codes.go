package core

// Process exit codes. Signal exits follow the 128+N convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodePipelineUnavailable is returned by the check command and by eager
	// startup when the base model cannot be loaded.
	ExitCodePipelineUnavailable = 3

	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodePipelineUnavailable:
		return "pipeline unavailable"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}
