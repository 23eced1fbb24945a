package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB represents a PostgreSQL JSONB field
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(raw, j)
}

// Twilio answering machine detection results. Anything other than AnsweredByHuman
// is treated as a non-human answer.
const (
	AnsweredByHuman   = "human"
	AnsweredByUnknown = "unknown"
	AnsweredByFax     = "fax"
)

// Twilio call status values reported on status callbacks
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"

	// CallStatusTimeout is never sent by Twilio; it marks a synthetic outcome
	// produced when a session is evicted without a terminal callback.
	CallStatusTimeout = "timeout"
)

// IsTerminalStatus reports whether a provider call status means the call has
// ended. Only the in-flight Twilio statuses are non-terminal; anything else,
// including values Twilio never sends, ends the call.
func IsTerminalStatus(status string) bool {
	switch status {
	case CallStatusQueued, CallStatusInitiated, CallStatusRinging, CallStatusInProgress:
		return false
	}
	return true
}
