package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("ride not found"), http.StatusNotFound},
		{Unauthorized("no token"), http.StatusUnauthorized},
		{Forbidden("not your ride"), http.StatusForbidden},
		{BadRequest("cannot be the same"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
		{Internal(errors.New("db down")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", BadRequest("x")), http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), tc.err.Error())
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("load: %w", NotFound("ride not found"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrBadRequest))
	assert.Equal(t, "load: ride not found", err.Error())
}

func TestInternalKeepsTypedErrors(t *testing.T) {
	bad := BadRequest("nope")
	assert.Same(t, bad, Internal(bad))
	assert.Nil(t, Internal(nil))
	cause := errors.New("conn reset")
	assert.ErrorIs(t, Internal(cause), cause)
}
