package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].title", ErrCodeValidation, "duplicate step title")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].title", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "duplicate step title", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].webhook.timeout", ErrCodeValidation, "webhook wait has no timeout")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].agent", ErrCodeValidation, "agent step has no tools")

	err := r.ToError()
	require.NotNil(t, err)

	axErr, ok := err.(*AxonError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, axErr.Code)
	assert.Equal(t, "agent step has no tools", axErr.Message)
	assert.Equal(t, 1, axErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	axErr, ok := err.(*AxonError)
	require.True(t, ok)
	assert.Contains(t, axErr.Message, "2 errors")
	assert.Equal(t, 2, axErr.Details["error_count"])
	assert.Equal(t, 1, axErr.Details["warning_count"])
}
