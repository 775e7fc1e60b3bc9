package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePatchFailed       = "PATCH_FAILED"
	ErrCodeBlobMissing       = "BLOB_MISSING"
	ErrCodeLogCorrupt        = "LOG_CORRUPT"
	ErrCodeSignalRejected    = "SIGNAL_REJECTED"
	ErrCodeInvalidToken      = "INVALID_TOKEN"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeAgentFailed       = "AGENT_FAILED"
	ErrCodeWebhookTimeout    = "WEBHOOK_TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// AxonError is the structured error type for all engine operations.
type AxonError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AxonError) Error() string {
	switch {
	case e.RunID != "" && e.Step != "":
		return fmt.Sprintf("[%s] run %s step %q: %s", e.Code, e.RunID, e.Step, e.Message)
	case e.RunID != "":
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *AxonError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AxonError.
func NewError(code, message string) *AxonError {
	return &AxonError{Code: code, Message: message}
}

// NewErrorf creates a new AxonError with a formatted message.
func NewErrorf(code, format string, args ...any) *AxonError {
	return &AxonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *AxonError) WithRun(runID string) *AxonError {
	e.RunID = runID
	return e
}

// WithStep attaches a step title to the error.
func (e *AxonError) WithStep(step string) *AxonError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *AxonError) WithCause(err error) *AxonError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AxonError) WithDetails(details map[string]any) *AxonError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class is worth retrying. Only
// transient storage failures qualify; everything else is either permanent
// (validation, corruption, admission) or already terminal.
func (e *AxonError) IsRetryable() bool {
	return e.Code == ErrCodeStore
}

// CodeOf returns the AxonError code carried by err, or "" if err is not
// an AxonError anywhere in its chain.
func CodeOf(err error) string {
	for err != nil {
		if ae, ok := err.(*AxonError); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
