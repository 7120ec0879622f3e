package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Standardized engine errors
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnknownPosition     = errors.New("unknown position")
	ErrStaleEvent          = errors.New("stale market event")
	ErrPersistenceDelivery = errors.New("persistence delivery failed")
	ErrDuplicatePosition   = errors.New("duplicate position")
	ErrStopLoosened        = errors.New("stop loss may only move in the risk-reducing direction")
	ErrPositionClosed      = errors.New("position closed")
	ErrDispatcherStopped   = errors.New("dispatcher stopped")
	ErrSupervisorStopped   = errors.New("supervisor stopped")
)

// ValidationError rejects a malformed open-position spec
type ValidationError struct {
	PositionID string
	Field      string
	Value      interface{}
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("position %q: invalid %s: %s", e.PositionID, e.Field, e.Message)
	}
	return fmt.Sprintf("position %q: invalid %s (value: %v): %s", e.PositionID, e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnknownPositionError is returned for events that reference an untracked position or symbol
type UnknownPositionError struct {
	PositionID string
	Symbol     string
}

func (e *UnknownPositionError) Error() string {
	if e.PositionID != "" {
		return fmt.Sprintf("position %q is not tracked", e.PositionID)
	}
	return fmt.Sprintf("no tracked positions for symbol %q", e.Symbol)
}

func (e *UnknownPositionError) Is(target error) bool {
	return target == ErrUnknownPosition
}

// StaleEventError is returned when an event is older than the last processed one
type StaleEventError struct {
	PositionID string
	EventTime  time.Time
	LastTime   time.Time
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("position %q: event at %s is older than last processed event at %s",
		e.PositionID, e.EventTime.Format(time.RFC3339Nano), e.LastTime.Format(time.RFC3339Nano))
}

func (e *StaleEventError) Is(target error) bool {
	return target == ErrStaleEvent
}

// DeliveryError wraps the last store error after retries are exhausted
type DeliveryError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrPersistenceDelivery
}
