package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := QueueFullError.Explain("queue at %d", 10)
	assert.True(t, Is(err, QueueFullError))
	assert.False(t, Is(err, RateLimitError))
	assert.Equal(t, "[QueueFullError] queue at 10", err.Error())

	wrapped := fmt.Errorf("submit: %w", err)
	assert.True(t, Is(wrapped, QueueFullError))
	assert.Equal(t, KindQueueFull, KindOf(wrapped))
	assert.Equal(t, "", KindOf(fmt.Errorf("plain")))
}

func TestErrorWrapDoesNotMutateSentinel(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := ConnectionError.Wrap(cause)
	assert.True(t, Is(err, cause))
	assert.Nil(t, ConnectionError.Unwrap())
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(ParseError.Explain("bad frame")))
	assert.True(t, IsRecoverable(DataQualityError))
	assert.False(t, IsRecoverable(QueueFullError))
	assert.False(t, IsRecoverable(ReconnectExhaustedError))
}

func TestProblemDetailsFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{NotFound.Explain("symbol AAPL"), http.StatusNotFound},
		{Invalid.Explain("bad range"), http.StatusBadRequest},
		{QueueFullError, http.StatusTooManyRequests},
		{ReconnectExhaustedError, http.StatusServiceUnavailable},
		{CircuitOpen.Explain("circuit breaker polygon is open"), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := FromError(tt.err, "/x")
		assert.Equal(t, tt.status, p.Status, tt.err.Error())
	}
}

func TestProblemDetailsExtraFields(t *testing.T) {
	p := NewNotFoundError("no quote for AAPLE", "/api/v1/quotes/AAPLE").
		WithExtra("suggestions", []string{"AAPL"})
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, TypeNotFound, body["type"])
	assert.Equal(t, float64(http.StatusNotFound), body["status"])
	assert.Equal(t, []interface{}{"AAPL"}, body["suggestions"])
}
