package domain

import (
	"time"
)

// CallState is the lifecycle state of an outbound call session
type CallState string

const (
	CallStatePlaced            CallState = "PLACED"
	CallStateClassifiedHuman   CallState = "CLASSIFIED_HUMAN"
	CallStateClassifiedMachine CallState = "CLASSIFIED_MACHINE"
	CallStateBridged           CallState = "BRIDGED"
	CallStateCompleted         CallState = "COMPLETED"
	CallStateFailed            CallState = "FAILED"
)

// IsTerminal reports whether no further classification transitions are accepted.
func (s CallState) IsTerminal() bool {
	return s == CallStateCompleted || s == CallStateFailed
}

// CallSession tracks one outbound call attempt from placement to notification.
type CallSession struct {
	// CallID is assigned by the telephony provider. Empty while the session
	// is only reserved under its correlation token.
	CallID string `json:"callId"`
	// Token correlates callbacks with the session before CallID is known.
	Token string    `json:"token"`
	State CallState `json:"state"`

	// ResumeTarget is opaque: stored at creation and forwarded on completion, never inspected.
	ResumeTarget string       `json:"resumeTarget"`
	PromptConfig PromptConfig `json:"promptConfig"`
	To           string       `json:"to"`

	AnsweredBy    string `json:"answeredBy,omitempty"`
	JoinURL       string `json:"joinUrl,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	// Notified is set once the session has been claimed for its single outcome delivery.
	Notified bool `json:"notified"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// NewCallSession creates a session in PLACED state.
func NewCallSession(token, to, resumeTarget string, prompt PromptConfig) *CallSession {
	now := time.Now()
	return &CallSession{
		Token:        token,
		State:        CallStatePlaced,
		ResumeTarget: resumeTarget,
		PromptConfig: prompt,
		To:           to,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch records callback activity for staleness eviction
func (s *CallSession) Touch() {
	s.LastActivity = time.Now()
}

// CallOutcome is the payload delivered to the resume target once per call.
type CallOutcome struct {
	CallID          string `json:"callId"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"durationSeconds"`
	// AnsweredBy is null when no classification was ever reported.
	AnsweredBy *string `json:"answeredBy"`

	Outcome CallState `json:"outcome"`
	Bridged bool      `json:"bridged"`
}

// InstructionKind selects the call-control document returned to the provider
type InstructionKind string

const (
	InstructionConnect   InstructionKind = "connect"
	InstructionHangup    InstructionKind = "hangup"
	InstructionApologize InstructionKind = "apologize"
)

// Instruction tells the telephony provider what to do next with a call
type Instruction struct {
	Kind    InstructionKind
	JoinURL string // only for InstructionConnect
}

// HangupInstruction is the safe default for every unexpected callback.
func HangupInstruction() Instruction {
	return Instruction{Kind: InstructionHangup}
}
