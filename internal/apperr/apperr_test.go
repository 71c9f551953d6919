package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfSurvivesWrapping(t *testing.T) {
	base := New(KindNotConnected, "fetch presence", "instance is not connected")
	wrapped := fmt.Errorf("poll lead: %w", base)

	assert.Equal(t, KindNotConnected, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotConnected))
	assert.Equal(t, "instance is not connected", Message(wrapped))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindUpstream, "op", nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(KindUpstream, "graph", errors.New("502"))))
	assert.False(t, Retryable(Validation("parse", "missing phone")))
	assert.False(t, Retryable(NotFound("lookup", "no such token")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindConfig))
}
