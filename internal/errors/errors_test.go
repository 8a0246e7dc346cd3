package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesRegisteredDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "")

	assert.Equal(t, "[STORAGE_FAILURE] storage failure", err.Error())
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, err.Severity())
}

func TestOptionsOverrideAttributes(t *testing.T) {
	err := New(CodeStorageFailure, "写入失败",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("key", "total"))

	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.Equal(t, map[string]string{"key": "total"}, err.Metadata())
}

func TestWrapKeepsCauseInChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	wrapped := fmt.Errorf("plugin storage: %w", Wrap(CodeStorageFailure, cause, "读取失败"))

	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, CodeStorageFailure, CodeOf(wrapped))
	assert.True(t, RetryableError(wrapped))
	assert.True(t, ShouldAlert(wrapped))
	assert.ErrorIs(t, wrapped, New(CodeStorageFailure, "other message"))
	assert.NotErrorIs(t, wrapped, New(CodeTimeout, ""))
}

func TestPlainErrorsFallBackToUnknown(t *testing.T) {
	err := stdErrors.New("boom")

	assert.Equal(t, CodeUnknown, CodeOf(err))
	assert.False(t, RetryableError(err))
	assert.Equal(t, SeverityCritical, SeverityOf(err))
	assert.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestRegisterAddsCode(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	require.Equal(t, "[TEST_REGISTERED] registered", err.Error())
	assert.True(t, err.Retryable())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NEVER_REGISTERED"))
}

func TestHasCodeFindsInnerCode(t *testing.T) {
	inner := New(CodeStorageFailure, "redis down")
	outer := Wrap(CodeUnknown, fmt.Errorf("process: %w", inner), "plugin failed")

	assert.True(t, HasCode(outer, CodeStorageFailure))
	assert.True(t, HasCode(outer, CodeUnknown))
	assert.False(t, HasCode(outer, CodeTimeout))
	assert.Equal(t, CodeUnknown, CodeOf(outer))
}

func TestNilErrorIsSafe(t *testing.T) {
	var err *Error

	assert.Equal(t, "", err.Error())
	assert.Equal(t, CodeUnknown, err.Code())
	assert.False(t, err.Retryable())
	assert.Nil(t, err.Metadata())
}
