package model

// Stable reason codes surfaced to callers. The UI layer renders messages
// from these, never from raw runtime error strings.
const (
	ReasonGPUQuotaExceeded    = "gpu_quota_exceeded"
	ReasonEnvCountExceeded    = "env_count_exceeded"
	ReasonMemoryQuotaExceeded = "memory_quota_exceeded"

	ReasonPortsExhausted          = "ports_exhausted"
	ReasonInsufficientGPUCapacity = "insufficient_gpu_capacity"
	ReasonAccessDenied            = "access_denied"
	ReasonRuntimeUnavailable      = "runtime_unavailable"
	ReasonRuntimeRejected         = "runtime_rejected"
	ReasonLedgerCorruption        = "ledger_corruption"
	ReasonNotFound                = "not_found"
	ReasonInvalidRequest          = "invalid_request"
)
