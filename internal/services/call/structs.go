package call

import (
	"context"
	"time"

	"github.com/oarthurfc/AI-outgoing-call/internal/core/session"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/twilio"
)

// CallPlacer places an outbound call and returns the provider call identifier
type CallPlacer interface {
	PlaceCall(ctx context.Context, req twilio.PlacementRequest) (string, error)
}

// BridgeProvisioner creates a voice-AI session and returns its join address
type BridgeProvisioner interface {
	CreateCall(ctx context.Context, cfg domain.PromptConfig) (string, error)
}

// OutcomeNotifier delivers the final call outcome to a resume target
type OutcomeNotifier interface {
	Notify(ctx context.Context, resumeTarget string, outcome domain.CallOutcome) error
}

// OutcomeRecorder is a best-effort sink for finished calls (event bus, database)
type OutcomeRecorder interface {
	Name() string
	RecordOutcome(ctx context.Context, s domain.CallSession, outcome domain.CallOutcome, delivered bool) error
}

// ControllerConfig holds the controller settings taken from the gateway config
type ControllerConfig struct {
	// PublicBaseURL prefixes the callback URLs handed to the telephony provider
	PublicBaseURL    string
	DefaultPrompt    domain.PromptConfig
	NotifyTimeout    time.Duration
	NotifyOnEviction bool
}

// PlaceCallRequest is the orchestrator's request to start an outbound call
type PlaceCallRequest struct {
	To              string              `json:"to"`
	ResumeTarget    string              `json:"resumeTarget"`
	PromptConfig    domain.PromptConfig `json:"promptConfig"`
	PromptVariables map[string]string   `json:"promptVariables,omitempty"`
}

// PlaceCallResult identifies a placed call
type PlaceCallResult struct {
	CallID string `json:"callId"`
	Token  string `json:"-"`
}

// ClassificationEvent is an answer classification callback
type ClassificationEvent struct {
	CallID     string
	Token      string
	AnsweredBy string
}

// StatusEvent is a call status callback
type StatusEvent struct {
	CallID          string
	Token           string
	Status          string
	DurationSeconds int
	AnsweredBy      string
}

// OutcomeHistory reads back recorded outcomes of finished calls
type OutcomeHistory interface {
	GetByCallID(ctx context.Context, callID string) (*domain.CallOutcomeRecord, error)
}

// Lookup sources, in the order they are consulted
const (
	LookupSourceLocal   = "local"
	LookupSourceMonitor = "monitor"
	LookupSourceHistory = "history"
)

// CallLookup is what is known about a call, from the nearest source that has it
type CallLookup struct {
	Source  string                    `json:"source"`
	Session *domain.CallSession       `json:"session,omitempty"`
	Info    *session.SessionInfo      `json:"info,omitempty"`
	Record  *domain.CallOutcomeRecord `json:"record,omitempty"`
}
