package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		retryable bool
	}{
		{name: "validation", err: ErrValidation, permanent: true},
		{name: "permanent delivery", err: ErrPermanentDelivery.WithCause(fmt.Errorf("no such queue")), permanent: true},
		{name: "transient delivery", err: ErrTransientDelivery.WithCause(fmt.Errorf("timeout")), retryable: true},
		{name: "capacity", err: ErrCapacity, retryable: true},
		{name: "closed", err: ErrClosed, permanent: true},
		{name: "plain error", err: fmt.Errorf("boom"), permanent: false},
		{name: "transient forced fatal", err: ErrTransientDelivery.AsFatal(), permanent: true},
		{name: "internal wrapping permanent", err: ErrInternal.WithCause(ErrPermanentDelivery), permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))

			var appErr *Error
			if errors.As(tt.err, &appErr) {
				assert.Equal(t, tt.retryable, appErr.IsRetryable())
				assert.Equal(t, !tt.retryable, appErr.IsFatal())
			}
		})
	}
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", ErrCapacity.WithDetail("queue", "q-orders"))

	assert.True(t, errors.Is(err, ErrCapacity))
	assert.False(t, errors.Is(err, ErrClosed))
	assert.True(t, IsCapacity(err))
	assert.False(t, IsValidation(err))
}

func TestError_WithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrValidation.WithDetail("field", "source")

	assert.Empty(t, ErrValidation.Details)
}

func TestError_MessageDetailOverridesMessage(t *testing.T) {
	err := ErrValidation.WithMessage("source is required")

	assert.Equal(t, "VALIDATION_ERROR: source is required", err.Error())
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrNotFound.WithDetail("queue", "missing"))
	assert.Equal(t, "NOT_FOUND", resp.ErrorCode)
	assert.Equal(t, "missing", resp.Details["queue"])
	assert.Equal(t, http.StatusNotFound, ToHTTPStatus(ErrNotFound))

	resp = ToErrorResponse(fmt.Errorf("unexpected"))
	assert.Equal(t, "INTERNAL_ERROR", resp.ErrorCode)
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(fmt.Errorf("unexpected")))
}

func TestRecoverPanic(t *testing.T) {
	err := SafeCall(func() error {
		panic("handler exploded")
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "handler exploded")

	resp := ToErrorResponse(err)
	_, hasStack := resp.Details["stack_trace"]
	assert.False(t, hasStack)
}
