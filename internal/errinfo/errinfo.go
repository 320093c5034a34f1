package errinfo

import "strings"

// ErrorInfo is the structured error payload surfaced over RPC.
type ErrorInfo struct {
	ErrorCode string   `json:"error_code"`
	Area      string   `json:"area,omitempty"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

const (
	CodePrerequisiteMissing   = "PREREQUISITE_MISSING"
	CodeToolExecutionFailed   = "TOOL_EXECUTION_FAILED"
	CodeUnknownTool           = "UNKNOWN_TOOL"
	CodeModelServiceFailed    = "MODEL_SERVICE_FAILED"
	CodeRunTimeout            = "RUN_TIMEOUT"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeBackendUnavailable    = "BACKEND_UNAVAILABLE"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeSessionBusy           = "SESSION_BUSY"
	CodeEgressBlocked         = "EGRESS_BLOCKED_BY_POLICY"
)

const (
	ActionRetry        = "retry"
	ActionOpenSettings = "open_settings"
)

const (
	AreaSession   = "session"
	AreaTurn      = "turn"
	AreaProviders = "providers"
	AreaBackend   = "backend"
	AreaSettings  = "settings"
)

func PrerequisiteMissing(sessionID, phase string, missing []string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodePrerequisiteMissing,
		Area:      AreaTurn,
		Retryable: false,
		SessionID: sessionID,
		Phase:     phase,
		Detail:    "missing prerequisites: " + strings.Join(missing, ", "),
	}
}

func ModelServiceFailed(sessionID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeModelServiceFailed,
		Area:      AreaTurn,
		Retryable: true,
		Actions:   []string{ActionRetry},
		SessionID: sessionID,
		Detail:    detail,
	}
}

func ProviderNotConfigured(providerID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderNotConfigured,
		Area:      AreaProviders,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
		Detail:    providerID,
	}
}

func ProviderAuthFailed(providerID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderAuthFailed,
		Area:      AreaProviders,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
		Detail:    providerID,
	}
}

func ProviderUnavailable(providerID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderUnavailable,
		Area:      AreaProviders,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    providerID + ": " + detail,
	}
}

func BackendUnavailable(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeBackendUnavailable,
		Area:      AreaBackend,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func ValidationFailed(area, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Area:      area,
		Retryable: false,
		Detail:    detail,
	}
}

func SessionNotFound(sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionNotFound,
		Area:      AreaSession,
		Retryable: false,
		SessionID: sessionID,
	}
}

func SessionBusy(sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionBusy,
		Area:      AreaSession,
		Retryable: true,
		Actions:   []string{ActionRetry},
		SessionID: sessionID,
	}
}

func EgressBlocked(area, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Area:      area,
		Retryable: false,
		Detail:    detail,
	}
}
