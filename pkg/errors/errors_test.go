package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", &ValidationError{PositionID: "p1", Field: "entry_price", Message: "must be positive"}, ErrValidation},
		{"unknown position", &UnknownPositionError{PositionID: "p1"}, ErrUnknownPosition},
		{"unknown symbol", &UnknownPositionError{Symbol: "BTCUSDT"}, ErrUnknownPosition},
		{"stale", &StaleEventError{PositionID: "p1", EventTime: time.Unix(1, 0), LastTime: time.Unix(2, 0)}, ErrStaleEvent},
		{"delivery", &DeliveryError{Key: "p1/settled", Attempts: 3, Err: errors.New("db locked")}, ErrPersistenceDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestDeliveryErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &DeliveryError{Key: "p1/leg/0", Attempts: 4, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "p1/leg/0")
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{PositionID: "p9", Field: "take_profit_levels", Value: "1.3", Message: "shares sum above 1"}
	assert.Equal(t, `position "p9": invalid take_profit_levels (value: 1.3): shares sum above 1`, err.Error())

	noValue := &ValidationError{PositionID: "p9", Field: "id", Message: "required"}
	assert.Equal(t, `position "p9": invalid id: required`, noValue.Error())
}
