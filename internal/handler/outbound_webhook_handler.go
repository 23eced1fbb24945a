package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/internal/services/call"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"github.com/oarthurfc/AI-outgoing-call/pkg/twilio"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// CallController is the call lifecycle surface the webhooks drive
type CallController interface {
	PlaceCall(ctx context.Context, req call.PlaceCallRequest) (call.PlaceCallResult, error)
	HandleClassification(ctx context.Context, ev call.ClassificationEvent) domain.Instruction
	HandleStatus(ctx context.Context, ev call.StatusEvent)
	LookupCall(ctx context.Context, callID string) (call.CallLookup, error)
	ActiveSessions() int
	SessionsByState() map[domain.CallState]int
}

// InstructionRenderer turns instructions into call-control documents
type InstructionRenderer interface {
	Render(ins domain.Instruction) (string, error)
}

// OutboundWebhookHandler serves the orchestrator's placement endpoint and the
// Twilio callbacks for outbound calls
type OutboundWebhookHandler struct {
	controller CallController
	renderer   InstructionRenderer
}

// NewOutboundWebhookHandler creates a new outbound webhook handler
func NewOutboundWebhookHandler(controller CallController, renderer InstructionRenderer) *OutboundWebhookHandler {
	return &OutboundWebhookHandler{
		controller: controller,
		renderer:   renderer,
	}
}

// StartCallResponse is returned to the orchestrator once the call is placed
type StartCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
	CallSID string `json:"callSid"`
}

// ClassificationWebhookRequest is the JSON form of an answer classification callback
type ClassificationWebhookRequest struct {
	CallID     string `json:"callId"`
	AnsweredBy string `json:"answeredBy"`
}

// StatusWebhookRequest is the JSON form of a call status callback
type StatusWebhookRequest struct {
	CallID          string `json:"callId"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"durationSeconds"`
	AnsweredBy      string `json:"answeredBy"`
}

// SetupOutboundWebhookRoutes sets up routes for outbound call webhooks
func (h *OutboundWebhookHandler) SetupOutboundWebhookRoutes(router *mux.Router) {
	// POST /start-call - Place an outbound call (JSON only)
	router.Handle("/start-call", ValidationMiddleware(http.HandlerFunc(h.HandleStartCall))).Methods("POST")

	// POST /twilio/classification - Answering machine detection result, answered with TwiML
	router.HandleFunc(call.ClassificationPath, h.HandleClassificationWebhook).Methods("POST")

	// POST /twilio/status - Call status callback
	router.HandleFunc(call.StatusPath, h.HandleStatusWebhook).Methods("POST")

	// GET /calls/{callId} - Live session, monitor entry or recorded outcome
	router.HandleFunc("/calls/{callId}", h.HandleGetCall).Methods("GET")

	logger.Base().Info("Outbound webhook routes registered")
}

// readRequestBody reads and logs the request body
func (h *OutboundWebhookHandler) readRequestBody(w http.ResponseWriter, r *http.Request, webhookType string) ([]byte, bool) {
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Base().Error("Failed to read request body", zap.String("webhook_type", webhookType), zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	logger.Base().Debug("webhook body", zap.String("body", string(bodyBytes)), zap.String("webhook_type", webhookType))
	return bodyBytes, true
}

// parseJSON parses JSON and handles errors
func (h *OutboundWebhookHandler) parseJSON(w http.ResponseWriter, bodyBytes []byte, target interface{}, webhookType string) bool {
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		logger.Base().Error("Failed to parse webhook", zap.String("webhook_type", webhookType), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// sendOKResponse sends a standard OK response
func (h *OutboundWebhookHandler) sendOKResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

// sendTwiML writes a TwiML document, falling back to a bare hangup
func (h *OutboundWebhookHandler) sendTwiML(w http.ResponseWriter, ins domain.Instruction) {
	doc, err := h.renderer.Render(ins)
	if err != nil {
		logger.Base().Error("Failed to render TwiML, hanging up", zap.String("kind", string(ins.Kind)), zap.Error(err))
		doc = twilio.FallbackHangup
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// HandleStartCall places an outbound call for the orchestrator
// POST /start-call
func (h *OutboundWebhookHandler) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	bodyBytes, ok := h.readRequestBody(w, r, "Start Call")
	if !ok {
		return
	}

	var request call.PlaceCallRequest
	if !h.parseJSON(w, bodyBytes, &request, "Start Call") {
		return
	}

	result, err := h.controller.PlaceCall(r.Context(), request)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrPlacement):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StartCallResponse{
		Success: true,
		CallID:  result.CallID,
		CallSID: result.CallID,
	})
}

// HandleClassificationWebhook applies an answering machine detection result.
// Twilio always gets a valid TwiML document back, whatever went wrong.
// POST /twilio/classification?token=
func (h *OutboundWebhookHandler) HandleClassificationWebhook(w http.ResponseWriter, r *http.Request) {
	ev := call.ClassificationEvent{Token: r.URL.Query().Get("token")}

	if isJSONRequest(r) {
		var request ClassificationWebhookRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&request); err != nil {
			logger.Base().Warn("Invalid classification webhook body", zap.Error(err))
			h.sendTwiML(w, domain.HangupInstruction())
			return
		}
		ev.CallID = request.CallID
		ev.AnsweredBy = request.AnsweredBy
	} else {
		if err := r.ParseForm(); err != nil {
			logger.Base().Warn("Invalid classification webhook form", zap.Error(err))
			h.sendTwiML(w, domain.HangupInstruction())
			return
		}
		ev.CallID = r.PostForm.Get("CallSid")
		ev.AnsweredBy = r.PostForm.Get("AnsweredBy")
	}

	logger.Base().Info("Received classification webhook", zap.String("call_id", ev.CallID), zap.String("answered_by", ev.AnsweredBy))
	h.sendTwiML(w, h.controller.HandleClassification(r.Context(), ev))
}

// HandleStatusWebhook applies a call status callback. Always answers 200.
// POST /twilio/status?token=
func (h *OutboundWebhookHandler) HandleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	ev := call.StatusEvent{Token: r.URL.Query().Get("token")}

	if isJSONRequest(r) {
		var request StatusWebhookRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&request); err != nil {
			logger.Base().Warn("Invalid status webhook body", zap.Error(err))
			h.sendOKResponse(w)
			return
		}
		ev.CallID = request.CallID
		ev.Status = request.Status
		ev.DurationSeconds = request.DurationSeconds
		ev.AnsweredBy = request.AnsweredBy
	} else {
		if err := r.ParseForm(); err != nil {
			logger.Base().Warn("Invalid status webhook form", zap.Error(err))
			h.sendOKResponse(w)
			return
		}
		ev.CallID = r.PostForm.Get("CallSid")
		ev.Status = r.PostForm.Get("CallStatus")
		ev.AnsweredBy = r.PostForm.Get("AnsweredBy")
		if d := strings.TrimSpace(r.PostForm.Get("CallDuration")); d != "" {
			if seconds, err := strconv.Atoi(d); err == nil {
				ev.DurationSeconds = seconds
			}
		}
	}

	logger.Base().Info("Received status webhook", zap.String("call_id", ev.CallID), zap.String("status", ev.Status), zap.Int("duration_seconds", ev.DurationSeconds))
	h.controller.HandleStatus(r.Context(), ev)
	h.sendOKResponse(w)
}

// HandleGetCall looks a call up across this pod, the shared monitor and the
// outcome history
// GET /calls/{callId}
func (h *OutboundWebhookHandler) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]

	result, err := h.controller.LookupCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		logger.Base().Error("Failed to look up call", zap.String("call_id", callID), zap.Error(err))
		http.Error(w, "failed to look up call", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// HandleHealth reports liveness
// GET /health
func (h *OutboundWebhookHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// HandleServiceStatus reports live session counts
// GET /status
func (h *OutboundWebhookHandler) HandleServiceStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "running",
		"activeSessions":  h.controller.ActiveSessions(),
		"sessionsByState": h.controller.SessionsByState(),
	})
}
