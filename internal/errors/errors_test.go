package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := NotFound("FindByID", "job %d", 42)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "FindByID: job 42", err.Error())
}

func TestErrorIsSurvivesWrapping(t *testing.T) {
	inner := Persistence("CommitReservation", errors.New("disk full"))
	outer := fmt.Errorf("reserve device dev-1: %w", inner)

	assert.True(t, errors.Is(outer, ErrPersistence))
	assert.Equal(t, KindPersistence, KindOf(outer))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindDispatch, "send", nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("Submit", "deviceId is required"), http.StatusBadRequest},
		{"not found", NotFound("Device", "unknown"), http.StatusNotFound},
		{"conflict", Conflict("Create", "duplicate"), http.StatusConflict},
		{"persistence", Persistence("Create", errors.New("io")), http.StatusInternalServerError},
		{"dispatch", Dispatch("send", errors.New("refused")), http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestResponse(t *testing.T) {
	body := Response(Validation("Submit", "duration must be positive"))

	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Contains(t, body.Error.Message, "duration must be positive")
}
