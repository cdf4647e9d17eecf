package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopAllExhausted StopReason = "all_schedules_exhausted"
)
