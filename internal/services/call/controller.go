package call

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarthurfc/AI-outgoing-call/internal/core/session"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"github.com/oarthurfc/AI-outgoing-call/pkg/twilio"
	"go.uber.org/zap"
)

const (
	ClassificationPath = "/twilio/classification"
	StatusPath         = "/twilio/status"

	defaultNotifyTimeout = 10 * time.Second
)

var errAlreadyNotified = errors.New("outcome already claimed")

// Controller drives each outbound call from placement to its single outcome
// notification. Callbacks may arrive concurrently and in any order; every
// state change goes through Store.Update.
type Controller struct {
	config      ControllerConfig
	store       *session.Store
	monitor     *session.Monitor
	placer      CallPlacer
	provisioner BridgeProvisioner
	notifier    OutcomeNotifier
	recorders   []OutcomeRecorder
	history     OutcomeHistory

	monitorMu sync.Mutex
}

// NewController creates a call lifecycle controller
func NewController(config ControllerConfig, store *session.Store, placer CallPlacer, provisioner BridgeProvisioner, notifier OutcomeNotifier) *Controller {
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = defaultNotifyTimeout
	}
	config.PublicBaseURL = strings.TrimRight(config.PublicBaseURL, "/")
	if store == nil {
		store = session.NewStore()
	}
	return &Controller{
		config:      config,
		store:       store,
		placer:      placer,
		provisioner: provisioner,
		notifier:    notifier,
	}
}

// SetMonitor mirrors sessions into an external monitor. nil disables it.
func (c *Controller) SetMonitor(m *session.Monitor) {
	c.monitor = m
}

// AddRecorder registers an outcome sink run after every notification
func (c *Controller) AddRecorder(r OutcomeRecorder) {
	if r != nil {
		c.recorders = append(c.recorders, r)
	}
}

// SetHistory enables lookups of finished calls. nil disables it.
func (c *Controller) SetHistory(h OutcomeHistory) {
	c.history = h
}

// ActiveSessions returns the number of live sessions
func (c *Controller) ActiveSessions() int {
	return c.store.Len()
}

// SessionsByState counts bound sessions per lifecycle state
func (c *Controller) SessionsByState() map[domain.CallState]int {
	counts := make(map[domain.CallState]int)
	for _, s := range c.store.Snapshot() {
		counts[s.State]++
	}
	return counts
}

// LookupCall finds a call in this pod's sessions, then the shared monitor,
// then the outcome history. Returns domain.ErrNotFound when none has it.
func (c *Controller) LookupCall(ctx context.Context, callID string) (CallLookup, error) {
	if s, err := c.store.Get(callID); err == nil {
		return CallLookup{Source: LookupSourceLocal, Session: &s}, nil
	}

	info, err := c.monitor.Lookup(ctx, callID)
	if err == nil {
		return CallLookup{Source: LookupSourceMonitor, Info: &info}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		logger.FromContext(ctx).Warn("session monitor lookup failed", zap.String("call_id", callID), zap.Error(err))
	}

	if c.history == nil {
		return CallLookup{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}
	record, err := c.history.GetByCallID(ctx, callID)
	if err != nil {
		return CallLookup{}, err
	}
	return CallLookup{Source: LookupSourceHistory, Record: record}, nil
}

func (c *Controller) callbackURL(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", c.config.PublicBaseURL, path, url.QueryEscape(token))
}

// PlaceCall validates the request, reserves a session under a fresh
// correlation token and places the call. On placement failure no session
// survives.
func (c *Controller) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	to := strings.TrimSpace(req.To)
	resumeTarget := strings.TrimSpace(req.ResumeTarget)
	if to == "" || resumeTarget == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: to and resumeTarget are required", domain.ErrInvalidRequest)
	}

	prompt := req.PromptConfig.WithDefaults(c.config.DefaultPrompt).Render(req.PromptVariables)
	token := uuid.NewString()
	ctx = logger.WithContext(ctx, zap.String("token", token))

	if err := c.store.Reserve(token, domain.NewCallSession(token, to, resumeTarget, prompt)); err != nil {
		return PlaceCallResult{}, fmt.Errorf("reserve session: %w", err)
	}

	callID, err := c.placer.PlaceCall(ctx, twilio.PlacementRequest{
		To:                to,
		ClassificationURL: c.callbackURL(ClassificationPath, token),
		StatusURL:         c.callbackURL(StatusPath, token),
	})
	if err != nil {
		c.store.Release(token)
		logger.FromContext(ctx).Error("Failed to place call", zap.String("to", to), zap.Error(err))
		if !errors.Is(err, domain.ErrPlacement) {
			err = fmt.Errorf("%w: %v", domain.ErrPlacement, err)
		}
		return PlaceCallResult{}, err
	}

	log := logger.FromContext(ctx).With(zap.String("call_id", callID))
	// an early callback may already have bound the token, or even finished the call
	if err := c.store.Bind(token, callID); err != nil {
		log.Warn("Could not bind placed call to its session", zap.Error(err))
	} else {
		c.syncMonitor(ctx, callID)
	}

	log.Info("Outbound call placed", zap.String("to", to))
	return PlaceCallResult{CallID: callID, Token: token}, nil
}

// bind attaches a callback's call identifier to the session reserved under
// its token. Missing or mismatched reservations are not errors for callbacks.
func (c *Controller) bind(ctx context.Context, token, callID string) {
	if token == "" || callID == "" {
		return
	}
	if err := c.store.Bind(token, callID); err != nil {
		logger.FromContext(ctx).Debug("Token not bound", zap.String("token", token), zap.Error(err))
		return
	}
	c.syncMonitor(ctx, callID)
}

// syncMonitor mirrors the live session for callID. monitorMu orders it against
// dropSession, so a finished call is never written back.
func (c *Controller) syncMonitor(ctx context.Context, callID string) {
	if c.monitor == nil {
		return
	}
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	s, err := c.store.Get(callID)
	if err != nil {
		return
	}
	c.monitor.Register(ctx, s)
}

// dropSession removes the session, then its monitoring entry
func (c *Controller) dropSession(ctx context.Context, callID, reason string) {
	c.store.Remove(callID)
	if c.monitor == nil {
		return
	}
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	c.monitor.Unregister(ctx, callID, reason)
}

// HandleClassification applies an answer classification and returns what the
// provider should do with the call. It never fails: unknown, finished or
// inconsistent sessions get a hangup.
func (c *Controller) HandleClassification(ctx context.Context, ev ClassificationEvent) domain.Instruction {
	if ev.CallID == "" {
		logger.FromContext(ctx).Warn("Classification callback without call id")
		return domain.HangupInstruction()
	}
	ctx = logger.WithContext(ctx, zap.String("call_id", ev.CallID))
	log := logger.FromContext(ctx)
	c.bind(ctx, ev.Token, ev.CallID)

	if ev.AnsweredBy != domain.AnsweredByHuman {
		s, err := c.store.Update(ev.CallID, func(s *domain.CallSession) error {
			if s.State != domain.CallStatePlaced {
				return fmt.Errorf("classification in state %s", s.State)
			}
			s.State = domain.CallStateClassifiedMachine
			s.AnsweredBy = ev.AnsweredBy
			return nil
		})
		if err != nil {
			log.Info("Ignoring classification callback", zap.String("answered_by", ev.AnsweredBy), zap.Error(err))
			return domain.HangupInstruction()
		}
		c.syncMonitor(ctx, s.CallID)
		log.Info("Call answered by non-human, hanging up", zap.String("answered_by", ev.AnsweredBy))
		return domain.HangupInstruction()
	}

	// claiming CLASSIFIED_HUMAN first makes a duplicate callback unable to provision twice
	s, err := c.store.Update(ev.CallID, func(s *domain.CallSession) error {
		if s.State != domain.CallStatePlaced {
			return fmt.Errorf("classification in state %s", s.State)
		}
		s.State = domain.CallStateClassifiedHuman
		s.AnsweredBy = ev.AnsweredBy
		return nil
	})
	if err != nil {
		log.Info("Ignoring classification callback", zap.String("answered_by", ev.AnsweredBy), zap.Error(err))
		return domain.HangupInstruction()
	}
	c.syncMonitor(ctx, s.CallID)

	joinURL, provErr := c.provisioner.CreateCall(ctx, s.PromptConfig)
	if provErr != nil {
		log.Error("Failed to provision bridge", zap.Error(provErr))
		s, err = c.store.Update(ev.CallID, func(s *domain.CallSession) error {
			if s.State != domain.CallStateClassifiedHuman {
				return fmt.Errorf("provisioning failed in state %s", s.State)
			}
			s.State = domain.CallStateFailed
			s.FailureReason = provErr.Error()
			return nil
		})
		if err != nil {
			log.Info("Session moved on while provisioning", zap.Error(err))
			return domain.HangupInstruction()
		}
		c.syncMonitor(ctx, s.CallID)
		return domain.Instruction{Kind: domain.InstructionApologize}
	}

	s, err = c.store.Update(ev.CallID, func(s *domain.CallSession) error {
		if s.State != domain.CallStateClassifiedHuman {
			return fmt.Errorf("bridge ready in state %s", s.State)
		}
		s.State = domain.CallStateBridged
		s.JoinURL = joinURL
		return nil
	})
	if err != nil {
		log.Info("Session moved on while provisioning", zap.Error(err))
		return domain.HangupInstruction()
	}
	c.syncMonitor(ctx, s.CallID)

	log.Info("Bridging call to voice AI session")
	return domain.Instruction{Kind: domain.InstructionConnect, JoinURL: joinURL}
}

// HandleStatus applies a status callback. Terminal statuses notify the resume
// target at most once per session and remove the session.
func (c *Controller) HandleStatus(ctx context.Context, ev StatusEvent) {
	if ev.CallID == "" {
		logger.FromContext(ctx).Warn("Status callback without call id")
		return
	}
	ctx = logger.WithContext(ctx, zap.String("call_id", ev.CallID))
	log := logger.FromContext(ctx)
	c.bind(ctx, ev.Token, ev.CallID)

	if !domain.IsTerminalStatus(ev.Status) {
		if _, err := c.store.Update(ev.CallID, func(s *domain.CallSession) error {
			if ev.AnsweredBy != "" && s.AnsweredBy == "" {
				s.AnsweredBy = ev.AnsweredBy
			}
			return nil
		}); err != nil {
			log.Debug("Ignoring status callback", zap.String("status", ev.Status), zap.Error(err))
		}
		return
	}

	s, err := c.store.Update(ev.CallID, func(s *domain.CallSession) error {
		if s.Notified {
			return errAlreadyNotified
		}
		s.Notified = true
		if s.State != domain.CallStateFailed {
			s.State = domain.CallStateCompleted
		}
		if ev.AnsweredBy != "" {
			s.AnsweredBy = ev.AnsweredBy
		}
		return nil
	})
	if err != nil {
		log.Info("Ignoring terminal callback", zap.String("status", ev.Status), zap.Error(err))
		return
	}

	outcome := domain.CallOutcome{
		CallID:          s.CallID,
		Status:          ev.Status,
		DurationSeconds: ev.DurationSeconds,
		Outcome:         s.State,
		Bridged:         s.JoinURL != "",
	}
	if s.AnsweredBy != "" {
		answeredBy := s.AnsweredBy
		outcome.AnsweredBy = &answeredBy
	}

	log.Info("Call finished", zap.String("status", ev.Status), zap.Int("duration_seconds", ev.DurationSeconds), zap.String("outcome", string(s.State)))
	c.finish(ctx, s, outcome, "completed")
}

// finish delivers the outcome once, fans it out to the recorders and drops the
// session whatever the delivery result.
func (c *Controller) finish(ctx context.Context, s domain.CallSession, outcome domain.CallOutcome, reason string) {
	// the callback request may be gone before the orchestrator answers
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.NotifyTimeout)
	defer cancel()
	log := logger.FromContext(ctx)

	delivered := false
	if err := c.notifier.Notify(ctx, s.ResumeTarget, outcome); err != nil {
		log.Error("Failed to notify resume target", zap.String("resume_target", s.ResumeTarget), zap.Error(err))
	} else {
		delivered = true
	}

	for _, r := range c.recorders {
		if err := r.RecordOutcome(ctx, s, outcome, delivered); err != nil {
			log.Warn("Failed to record call outcome", zap.String("recorder", r.Name()), zap.Error(err))
		}
	}

	c.dropSession(ctx, s.CallID, reason)
}

// EvictStaleSessions drops sessions idle for longer than maxIdle and returns
// how many were evicted. Evicted sessions are only notified when
// NotifyOnEviction is set, with a synthetic "timeout" status.
func (c *Controller) EvictStaleSessions(ctx context.Context, maxIdle time.Duration) int {
	evicted := c.store.EvictStale(maxIdle)
	for _, s := range evicted {
		log := logger.FromContext(ctx).With(zap.String("call_id", s.CallID), zap.String("token", s.Token))
		log.Info("Evicting stale session", zap.String("state", string(s.State)), zap.Duration("idle", time.Since(s.LastActivity)))

		if s.CallID == "" {
			continue
		}
		if !c.config.NotifyOnEviction {
			c.dropSession(ctx, s.CallID, "evicted")
			continue
		}

		outcome := domain.CallOutcome{
			CallID:  s.CallID,
			Status:  domain.CallStatusTimeout,
			Outcome: domain.CallStateFailed,
			Bridged: s.JoinURL != "",
		}
		if s.AnsweredBy != "" {
			answeredBy := s.AnsweredBy
			outcome.AnsweredBy = &answeredBy
		}
		s.State = domain.CallStateFailed
		s.FailureReason = "session evicted after inactivity"
		c.finish(logger.WithContext(ctx, zap.String("call_id", s.CallID)), s, outcome, "evicted")
	}
	return len(evicted)
}

// StartEvictionRoutine runs EvictStaleSessions every interval until ctx is done
func (c *Controller) StartEvictionRoutine(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Base().Info("Started session eviction routine", zap.Duration("check_interval", interval), zap.Duration("max_idle", maxIdle))
	for {
		select {
		case <-ctx.Done():
			logger.Base().Info("Session eviction routine stopped")
			return
		case <-ticker.C:
			if n := c.EvictStaleSessions(ctx, maxIdle); n > 0 {
				logger.Base().Info("Periodic check: evicted sessions", zap.Int("evicted_count", n))
			}
		}
	}
}
