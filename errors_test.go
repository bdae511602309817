package streamflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrStreamAborted, "stream aborted").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrStreamAborted, GetErrorCode(err))
	assert.Contains(t, err.Error(), "STREAM_ABORTED")
	assert.Contains(t, err.Error(), "root cause")
}

func TestGetErrorCodeOnForeignError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}

func TestCompositeErrorUnwrapsAllReasons(t *testing.T) {
	r1 := errors.New("first")
	r2 := NewError(ErrStreamErrored, "second")
	comp := &CompositeError{Reasons: []error{r1, r2}}

	assert.ErrorIs(t, comp, r1)
	assert.ErrorIs(t, comp, r2)

	var se *Error
	require.ErrorAs(t, comp, &se)
	assert.Equal(t, ErrStreamErrored, se.Code)
}
