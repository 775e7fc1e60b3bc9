package schema

// Admission is the gate's verdict on a (status, signal) pair. Reason is
// machine-readable and set exactly when Valid is false.
type Admission struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidRunTransitions defines the allowed status transitions for runs.
// Terminal statuses admit nothing.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:   {RunStatusWaiting, RunStatusPaused, RunStatusComplete, RunStatusError, RunStatusCancelled},
	RunStatusWaiting:   {RunStatusRunning, RunStatusPaused, RunStatusError, RunStatusCancelled},
	RunStatusPaused:    {RunStatusRunning, RunStatusWaiting, RunStatusCancelled},
	RunStatusComplete:  {},
	RunStatusError:     {},
	RunStatusCancelled: {},
}

// IsValidRunTransition reports whether from -> to is an allowed run
// status transition.
func IsValidRunTransition(from, to RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// signalAdmission maps each signal type to the statuses that admit it.
// WEBHOOK_RESPONSE is admissible only while the run is actually waiting on a
// webhook; a delivery for a run that already moved on must be rejected, not
// queued, so duplicate or late deliveries cannot corrupt it.
var signalAdmission = map[SignalType][]RunStatus{
	SignalWebhookResponse: {RunStatusWaiting},
	SignalKill:            {RunStatusPending, RunStatusRunning, RunStatusWaiting, RunStatusPaused},
	SignalPause:           {RunStatusRunning, RunStatusWaiting},
	SignalResume:          {RunStatusPaused},
}

// IsSignalValid decides whether a signal of the given type may be enqueued
// for a run in the given status. Total over the full matrix: every
// (status, signal) pair yields a definite verdict with a reason on rejection.
func IsSignalValid(status RunStatus, signal SignalType) Admission {
	allowed, ok := signalAdmission[signal]
	if !ok {
		return Admission{Valid: false, Reason: "unknown signal type " + string(signal)}
	}
	for _, s := range allowed {
		if s == status {
			return Admission{Valid: true}
		}
	}
	return Admission{Valid: false, Reason: rejectionReason(status, signal)}
}

func rejectionReason(status RunStatus, signal SignalType) string {
	switch status {
	case RunStatusComplete:
		return "run already completed"
	case RunStatusError:
		return "run already failed"
	case RunStatusCancelled:
		return "run already cancelled"
	}
	switch signal {
	case SignalWebhookResponse:
		return "run is not waiting for a webhook"
	case SignalResume:
		return "run is not paused"
	case SignalPause:
		return "run cannot be paused in status " + string(status)
	default:
		return "signal " + string(signal) + " not admissible in status " + string(status)
	}
}
