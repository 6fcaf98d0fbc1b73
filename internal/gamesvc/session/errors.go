package session

import (
	"errors"
	"fmt"
)

// ErrGameNotFound is returned for operations against an unknown game id.
var ErrGameNotFound = errors.New("session: game not found")

// ValidationError rejects a request before any state is mutated: bad input,
// insufficient balance, or a game in the wrong status for the transition.
// A caller that loses a race for the game's critical section sees the same
// rejection as if the precondition had already been false.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "session: " + e.Reason
}

func rejectf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TurnViolationError rejects a roll out of turn, a second roll by the same
// player, or a roll against a non-active game. Never broadcast.
type TurnViolationError struct {
	Reason string
}

func (e *TurnViolationError) Error() string {
	return "session: " + e.Reason
}

func turnViolationf(format string, args ...interface{}) *TurnViolationError {
	return &TurnViolationError{Reason: fmt.Sprintf(format, args...)}
}
