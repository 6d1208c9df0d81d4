package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMessageIncludesInternal(t *testing.T) {
	base := New("TEST", "something failed", http.StatusBadRequest)
	wrapped := base.WithInternal(errors.New("boom"))

	require.Equal(t, "something failed: boom", wrapped.Error())
	require.Equal(t, "something failed", base.Error())
	require.ErrorIs(t, wrapped, wrapped.Internal)
}

func TestFromErrorPreservesAppErrors(t *testing.T) {
	err := ErrEmailTaken.WithInternal(errors.New("duplicate key"))

	converted := FromError(err)
	require.Equal(t, ErrEmailTaken.Code, converted.Code)
	require.Equal(t, http.StatusConflict, converted.StatusCode)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	converted := FromError(errors.New("disk on fire"))
	require.Equal(t, ErrInternalServer.Code, converted.Code)
	require.Equal(t, http.StatusInternalServerError, converted.StatusCode)
	require.EqualError(t, converted.Internal, "disk on fire")
}

func TestWithMessageDoesNotMutateOriginal(t *testing.T) {
	custom := ErrUnauthorized.WithMessage("Account is locked until 2026-01-01T00:00:00Z")

	require.Equal(t, "Authentication required", ErrUnauthorized.Message)
	require.Equal(t, "Account is locked until 2026-01-01T00:00:00Z", custom.Message)
	require.Equal(t, ErrUnauthorized.Code, custom.Code)
}

func TestNewUnauthorized(t *testing.T) {
	err := NewUnauthorized("Refresh token expired")
	require.Equal(t, http.StatusUnauthorized, err.StatusCode)
	require.Equal(t, "Refresh token expired", err.Message)
}
