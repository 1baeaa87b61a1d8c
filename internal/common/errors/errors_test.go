package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *AppError
		want int
	}{
		{NotFound("session", "abc"), http.StatusNotFound},
		{Precondition("already processing"), http.StatusConflict},
		{ClientProtocol("malformed frame"), http.StatusBadRequest},
		{Timeout("control request expired"), http.StatusRequestTimeout},
		{Internal("boom", nil), http.StatusInternalServerError},
		{AgentStartupFailure("could not launch", "", nil), http.StatusInternalServerError},
		{IOError("write failed", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.HTTPStatus(), tt.err.Kind)
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFound("session", "sess-1")
	assert.Equal(t, "session with id 'sess-1' not found", err.Message)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsPrecondition(err))
}

func TestWrapPreservesKindAndDetail(t *testing.T) {
	inner := AgentStartupFailure("agent failed to start", "exit status 2", nil)
	wrapped := Wrap(inner, "starting session")

	assert.Equal(t, KindAgentStartupFailure, wrapped.Kind)
	assert.Equal(t, "exit status 2", wrapped.Detail)
	assert.Contains(t, wrapped.Message, "starting session")
	assert.Contains(t, wrapped.Message, "agent failed to start")
}

func TestWrapForeignError(t *testing.T) {
	assert.Nil(t, Wrap(nil, "noop"))

	wrapped := Wrap(stderrors.New("disk full"), "appending message")
	assert.Equal(t, KindInternal, wrapped.Kind)
	assert.True(t, stderrors.Is(wrapped, wrapped.Err))
}

func TestAsAppError(t *testing.T) {
	assert.Nil(t, AsAppError(nil))

	orig := Precondition("session is not active")
	assert.Same(t, orig, AsAppError(orig))

	converted := AsAppError(stderrors.New("plain"))
	require.NotNil(t, converted)
	assert.Equal(t, KindInternal, converted.Kind)
	assert.Equal(t, "plain", converted.Message)
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("broken pipe")
	err := AgentStreamFailure("agent stream ended", "", cause)
	assert.True(t, stderrors.Is(err, cause))

	var appErr *AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, KindAgentStreamFailure, appErr.Kind)
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("project", "p1")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(stderrors.New("plain")))
}
