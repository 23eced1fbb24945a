package domain

import "errors"

// Error taxonomy of the call lifecycle. Callers match with errors.Is; concrete
// failures wrap one of these with fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidRequest marks a placement request missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound marks a callback for an unknown or already cleaned up session.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists marks a second session for a live key.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrInvalidTransition marks a callback inconsistent with the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrProvisioning marks a failed voice-AI bridge setup.
	ErrProvisioning = errors.New("bridge provisioning failed")
	// ErrDelivery marks a failed resume-target notification.
	ErrDelivery = errors.New("outcome delivery failed")
	// ErrPlacement marks a failed outbound call placement.
	ErrPlacement = errors.New("call placement failed")
)
