package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError(t *testing.T) {
	t.Run("formats code and message", func(t *testing.T) {
		err := New(ErrValidation, "document is empty", nil)
		assert.Equal(t, "VALIDATION_ERROR: document is empty", err.Error())
	})

	t.Run("formats the cause when wrapped", func(t *testing.T) {
		cause := stderrors.New("connection reset")
		err := TransientIO("blob read failed", cause)
		assert.Contains(t, err.Error(), "TRANSIENT_IO")
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("unwraps to the cause", func(t *testing.T) {
		cause := stderrors.New("connection reset")
		err := Storage("put failed", cause)
		assert.True(t, stderrors.Is(err, cause))
	})

	t.Run("survives fmt wrapping", func(t *testing.T) {
		inner := LockHeld("computation in flight")
		outer := fmt.Errorf("resolve failed: %w", inner)

		engErr, ok := AsEngineError(outer)
		require.True(t, ok)
		assert.Equal(t, ErrLockHeld, engErr.Code)
		assert.Equal(t, ErrLockHeld, Code(outer))
	})
}

func TestCode(t *testing.T) {
	assert.Equal(t, ErrNotFound, Code(NotFound("run not found")))
	assert.Equal(t, ErrInternal, Code(stderrors.New("some foreign error")))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient io retries", TransientIO("read reset", nil), true},
		{"storage retries", Storage("put failed", nil), true},
		{"validation never retries", Validation("malformed clause", nil), false},
		{"dependency failure never retries", DependencyFailure("upstream failed", nil), false},
		{"unit timeout never retries", UnitTimeout("title_search", nil), false},
		{"fatal configuration never retries", FatalConfiguration("unit not registered", nil), false},
		{"foreign errors never retry", stderrors.New("unknown"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	err := InvalidTransition("completed", "processing")
	assert.Equal(t, ErrInvalidTransition, err.Code)
	assert.Equal(t, "completed", err.Details["from"])
	assert.Equal(t, "processing", err.Details["to"])
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTransientIO(TransientIO("x", nil)))
	assert.True(t, IsValidation(Validation("x", nil)))
	assert.True(t, IsNotFound(NotFound("x")))
	assert.True(t, IsAlreadyCompleted(AlreadyCompleted("x", nil)))
	assert.True(t, IsLockHeld(LockHeld("x")))
	assert.True(t, IsCheckpointRejected(CheckpointRejected("x", nil)))
	assert.True(t, IsUnitTimeout(UnitTimeout("x", nil)))
	assert.False(t, IsTransientIO(Validation("x", nil)))
}
