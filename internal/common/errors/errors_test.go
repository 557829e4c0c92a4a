package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_PassesThroughSyncError(t *testing.T) {
	orig := NewNetworkError("commonapp", errors.New("connection reset"))
	got := Normalize("commonapp", orig)
	assert.Same(t, orig, got)
}

func TestNormalize_WrapsPlainError(t *testing.T) {
	got := Normalize("commonapp", errors.New("boom"))
	assert.Equal(t, TypeDataMapping, got.Type)
	assert.False(t, got.Retryable)
	assert.Equal(t, "commonapp", got.Provider)
	assert.Contains(t, got.Details, "boom")
}

func TestNormalize_NilStaysNil(t *testing.T) {
	assert.Nil(t, Normalize("commonapp", nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError("x", errors.New("timeout"))))
	assert.False(t, IsRetryable(NewValidationError("missing deadline")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithApplication_CopiesError(t *testing.T) {
	orig := NewDataMappingError("commonapp", "bad shape")
	bound := orig.WithApplication("app-1")
	assert.Equal(t, "app-1", bound.ApplicationID)
	assert.Empty(t, orig.ApplicationID)
}

func TestUserMessage_NeverLeaksDetail(t *testing.T) {
	for _, typ := range []ErrorType{TypeAuthentication, TypeNetwork, TypeValidation, TypeConflict, ErrorType("other")} {
		msg := UserMessage(typ)
		assert.NotEmpty(t, msg)
		assert.NotContains(t, msg, "SyncError")
	}
}

func TestToModel(t *testing.T) {
	e := NewNetworkError("commonapp", errors.New("503")).WithApplication("app-9")
	m := e.ToModel()
	assert.Equal(t, "network", m.Type)
	assert.Equal(t, "app-9", m.ApplicationID)
	assert.True(t, m.Retryable)
}
