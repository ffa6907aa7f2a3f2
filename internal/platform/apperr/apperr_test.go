package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodeByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindImageUnavailable, http.StatusUnprocessableEntity},
		{KindScopeBusy, http.StatusConflict},
		{KindNoPromotableSlot, http.StatusConflict},
		{KindProxyReloadFailed, http.StatusInternalServerError},
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		err := New(tc.kind, "boom")
		assert.Equal(t, tc.want, err.StatusCode())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindInternal, "context", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "underlying")
}

func TestKindOfNonAppError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, StatusCodeOf(errors.New("plain")))
}

func TestKindOfAppError(t *testing.T) {
	err := New(KindScopeBusy, "busy")
	assert.Equal(t, KindScopeBusy, KindOf(err))
}

func TestWithDetails(t *testing.T) {
	err := New(KindValidation, "bad input").WithDetails(map[string]any{"field": "image"})
	assert.Equal(t, "image", err.Details["field"])
}
