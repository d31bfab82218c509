package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad stream code", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: bad stream code", err.Error())

	cause := errors.New("connection reset")
	wrapped := WrapError(cause, ErrCodeTransient, "backend unavailable", http.StatusBadGateway)
	assert.Equal(t, "TRANSIENT: backend unavailable (caused by: connection reset)", wrapped.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := WrapError(cause, ErrCodeTransient, "backend unavailable", http.StatusBadGateway)

	assert.Same(t, cause, wrapped.Unwrap())
	assert.True(t, errors.Is(wrapped, cause))
}

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		code   ErrorCode
	}{
		{http.StatusUnauthorized, ErrCodeUnauthorized},
		{http.StatusForbidden, ErrCodeForbidden},
		{http.StatusNotFound, ErrCodeNotFound},
		{http.StatusInternalServerError, ErrCodeTransient},
		{http.StatusBadGateway, ErrCodeTransient},
		{http.StatusServiceUnavailable, ErrCodeTransient},
		{http.StatusBadRequest, ErrCodeInvalidInput},
		{http.StatusConflict, ErrCodeInvalidInput},
	}

	for _, tc := range cases {
		err := FromStatus(tc.status, "request failed")
		assert.Equal(t, tc.code, err.Code, "status %d", tc.status)
		assert.Equal(t, tc.status, err.HTTPStatus, "status %d", tc.status)
	}
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, ErrCodeInvalidInput, NewInvalidInputError("bad").Code)
	assert.Equal(t, http.StatusBadRequest, NewInvalidInputError("bad").HTTPStatus)

	nf := NewNotFoundError("stream")
	assert.Equal(t, ErrCodeNotFound, nf.Code)
	assert.Equal(t, "NOT_FOUND: stream not found", nf.Error())

	assert.Equal(t, ErrCodeUnauthorized, NewUnauthorizedError("expired").Code)
	assert.Equal(t, ErrCodeForbidden, NewForbiddenError("denied").Code)
	assert.Equal(t, ErrCodeMedia, NewMediaError("decode failed").Code)
	assert.Equal(t, ErrCodeInternal, NewInternalError("boom").Code)

	tr := NewTransientError("upstream flapping", http.StatusBadGateway)
	assert.Equal(t, ErrCodeTransient, tr.Code)
	assert.Equal(t, http.StatusBadGateway, tr.HTTPStatus)
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(NewUnauthorizedError("expired token")))
	assert.True(t, IsAuthError(NewForbiddenError("not allowed")))
	assert.False(t, IsAuthError(NewTransientError("blip", http.StatusBadGateway)))
	assert.False(t, IsAuthError(errors.New("plain error")))
	assert.False(t, IsAuthError(nil))

	// The marker survives standard wrapping.
	wrapped := errors.Join(errors.New("outer"), NewUnauthorizedError("expired"))
	assert.True(t, IsAuthError(wrapped))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(FromStatus(http.StatusBadGateway, "down")))
	assert.False(t, IsTransient(FromStatus(http.StatusUnauthorized, "expired")))
	assert.False(t, IsTransient(NewMediaError("decode failed")))
	assert.False(t, IsTransient(nil))

	// Unclassified transport failures count as transient.
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
}

func TestGetAppError(t *testing.T) {
	appErr := NewUnauthorizedError("expired")
	require.Same(t, appErr, GetAppError(appErr))

	wrapped := WrapError(errors.New("cause"), ErrCodeInternal, "wrapped", http.StatusInternalServerError)
	require.NotNil(t, GetAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("plain error")))
	assert.Nil(t, GetAppError(nil))
}
