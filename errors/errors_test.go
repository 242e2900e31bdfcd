package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", ErrNotConnected, true},
		{"publish failed", ErrPublishFailed, true},
		{"inference timeout", ErrInferenceTimeout, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"wrapped transient", fmt.Errorf("publish: %w", ErrPublishFailed), true},
		{"pattern match", errors.New("dial tcp: connection refused"), true},
		{"malformed topic", ErrMalformedTopic, false},
		{"plain error", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedTopic))
	assert.True(t, IsInvalid(ErrMalformedPayload))
	assert.True(t, IsInvalid(fmt.Errorf("drop: %w", ErrUnknownCommand)))
	assert.False(t, IsInvalid(ErrNotConnected))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.False(t, IsFatal(ErrPublishFailed))
	assert.False(t, IsFatal(nil))
}

func TestWrapFormat(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Transport", "Publish", "json encode")
	require.Error(t, err)
	assert.Equal(t, "Transport.Publish: json encode failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "m", "a"))
}

func TestClassificationPreservedThroughChain(t *testing.T) {
	inner := WrapInvalid(errors.New("bad payload"), "Router", "HandleRequest", "decode")
	outer := fmt.Errorf("dispatch: %w", inner)

	var ce *ClassifiedError
	require.True(t, errors.As(outer, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Router", ce.Component)
	assert.True(t, IsInvalid(outer))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrInferenceUnavailable))
	assert.Equal(t, ErrorInvalid, Classify(ErrMalformedPayload))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(errors.New("mystery")))
}
