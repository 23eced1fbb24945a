package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	httpadapter "github.com/oarthurfc/AI-outgoing-call/internal/adapters/http"
	"github.com/oarthurfc/AI-outgoing-call/internal/core/session"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/redis"
	"github.com/oarthurfc/AI-outgoing-call/pkg/twilio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlacer struct {
	callID   string
	err      error
	requests []twilio.PlacementRequest
	// onPlace runs before PlaceCall returns, to simulate callbacks that beat the response
	onPlace func(req twilio.PlacementRequest)
}

func (f *fakePlacer) PlaceCall(ctx context.Context, req twilio.PlacementRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.onPlace != nil {
		f.onPlace(req)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.callID, nil
}

type fakeProvisioner struct {
	joinURL string
	err     error
	calls   int32
	// block, when set, is waited on before returning
	block chan struct{}
}

func (f *fakeProvisioner) CreateCall(ctx context.Context, cfg domain.PromptConfig) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return "", f.err
	}
	return f.joinURL, nil
}

type notification struct {
	target  string
	outcome domain.CallOutcome
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, resumeTarget string, outcome domain.CallOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{target: resumeTarget, outcome: outcome})
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	mu        sync.Mutex
	outcomes  []domain.CallOutcome
	delivered []bool
	err       error
}

func (f *fakeRecorder) Name() string { return "fake" }

func (f *fakeRecorder) RecordOutcome(ctx context.Context, s domain.CallSession, outcome domain.CallOutcome, delivered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	f.delivered = append(f.delivered, delivered)
	return f.err
}

func newTestController(placer *fakePlacer, prov *fakeProvisioner, notifier OutcomeNotifier) (*Controller, *session.Store) {
	store := session.NewStore()
	c := NewController(ControllerConfig{
		PublicBaseURL: "https://gw.example.com/",
		NotifyTimeout: time.Second,
	}, store, placer, prov, notifier)
	return c, store
}

func placeTestCall(t *testing.T, c *Controller, to, resumeTarget string) PlaceCallResult {
	t.Helper()
	res, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: to, ResumeTarget: resumeTarget})
	require.NoError(t, err)
	return res
}

func TestPlaceCall_Validation(t *testing.T) {
	placer := &fakePlacer{callID: "CA1"}
	c, store := newTestController(placer, &fakeProvisioner{}, &fakeNotifier{})

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "", ResumeTarget: "https://orchestrator/resume/1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = c.PlaceCall(context.Background(), PlaceCallRequest{To: "+15551234567", ResumeTarget: "  "})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	assert.Empty(t, placer.requests)
	assert.Equal(t, 0, store.Len())
}

func TestPlaceCall_Success(t *testing.T) {
	placer := &fakePlacer{callID: "CA1"}
	c, store := newTestController(placer, &fakeProvisioner{}, &fakeNotifier{})

	res := placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/42")
	assert.Equal(t, "CA1", res.CallID)
	require.NotEmpty(t, res.Token)

	require.Len(t, placer.requests, 1)
	req := placer.requests[0]
	assert.Equal(t, "+15551234567", req.To)

	u, err := url.Parse(req.ClassificationURL)
	require.NoError(t, err)
	assert.Equal(t, "gw.example.com", u.Host)
	assert.Equal(t, ClassificationPath, u.Path)
	assert.Equal(t, res.Token, u.Query().Get("token"))
	assert.Equal(t, "https://gw.example.com"+StatusPath+"?token="+res.Token, req.StatusURL)

	s, err := store.Get("CA1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatePlaced, s.State)
	assert.Equal(t, "https://orchestrator/resume/42", s.ResumeTarget)
}

func TestPlaceCall_PlacementFailureLeavesNoSession(t *testing.T) {
	placer := &fakePlacer{err: errors.New("twilio down")}
	c, store := newTestController(placer, &fakeProvisioner{}, &fakeNotifier{})

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "+15551234567", ResumeTarget: "https://orchestrator/resume/1"})
	assert.True(t, errors.Is(err, domain.ErrPlacement))
	assert.Equal(t, 0, store.Len())
}

func TestPlaceCall_PromptDefaultsAndVariables(t *testing.T) {
	temp := 0.3
	placer := &fakePlacer{callID: "CA1"}
	store := session.NewStore()
	c := NewController(ControllerConfig{
		PublicBaseURL: "https://gw.example.com",
		DefaultPrompt: domain.PromptConfig{SystemPrompt: "default", Model: "fixie-ai/ultravox", Temperature: &temp},
	}, store, placer, &fakeProvisioner{}, &fakeNotifier{})

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		To:              "+15551234567",
		ResumeTarget:    "https://orchestrator/resume/1",
		PromptConfig:    domain.PromptConfig{SystemPrompt: "Hello {{name}}"},
		PromptVariables: map[string]string{"name": "Ana"},
	})
	require.NoError(t, err)

	s, err := store.Get("CA1")
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana", s.PromptConfig.SystemPrompt)
	assert.Equal(t, "fixie-ai/ultravox", s.PromptConfig.Model)
}

func TestPlaceCall_ClassificationBeforePlacementResponse(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://bridge/early"}
	placer := &fakePlacer{callID: "CA9"}
	c, store := newTestController(placer, prov, &fakeNotifier{})

	var early domain.Instruction
	placer.onPlace = func(req twilio.PlacementRequest) {
		u, _ := url.Parse(req.ClassificationURL)
		early = c.HandleClassification(context.Background(), ClassificationEvent{
			CallID:     "CA9",
			Token:      u.Query().Get("token"),
			AnsweredBy: domain.AnsweredByHuman,
		})
	}

	res := placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/9")
	assert.Equal(t, "CA9", res.CallID)
	assert.Equal(t, domain.InstructionConnect, early.Kind)
	assert.Equal(t, "wss://bridge/early", early.JoinURL)

	s, err := store.Get("CA9")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateBridged, s.State)
}

func TestPlaceCall_TerminalBeforePlacementResponse(t *testing.T) {
	notifier := &fakeNotifier{}
	placer := &fakePlacer{callID: "CA8"}
	c, store := newTestController(placer, &fakeProvisioner{}, notifier)

	placer.onPlace = func(req twilio.PlacementRequest) {
		u, _ := url.Parse(req.StatusURL)
		c.HandleStatus(context.Background(), StatusEvent{
			CallID: "CA8",
			Token:  u.Query().Get("token"),
			Status: domain.CallStatusNoAnswer,
		})
	}

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "+15551234567", ResumeTarget: "https://orchestrator/resume/8"})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 0, store.Len())
}

func TestHandleClassification_HumanBridges(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://bridge/abc"}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, prov, &fakeNotifier{})
	res := placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: res.CallID, Token: res.Token, AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionConnect, ins.Kind)
	assert.Equal(t, "wss://bridge/abc", ins.JoinURL)

	s, err := store.Get("CA1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateBridged, s.State)
	assert.Equal(t, "wss://bridge/abc", s.JoinURL)

	// a duplicate classification must not provision twice
	dup := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionHangup, dup.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&prov.calls))
}

func TestHandleClassification_ProvisioningFailureApologizes(t *testing.T) {
	prov := &fakeProvisioner{err: domain.ErrProvisioning}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, prov, &fakeNotifier{})
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionApologize, ins.Kind)

	s, err := store.Get("CA1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, s.State)
	assert.NotEmpty(t, s.FailureReason)
}

func TestHandleClassification_NonHumanHangsUpWithoutProvisioning(t *testing.T) {
	for _, answeredBy := range []string{"machine_start", domain.AnsweredByFax, domain.AnsweredByUnknown, ""} {
		t.Run(answeredBy, func(t *testing.T) {
			prov := &fakeProvisioner{joinURL: "wss://bridge/abc"}
			c, store := newTestController(&fakePlacer{callID: "CA1"}, prov, &fakeNotifier{})
			placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

			ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: answeredBy})
			assert.Equal(t, domain.InstructionHangup, ins.Kind)
			assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls))

			s, err := store.Get("CA1")
			require.NoError(t, err)
			assert.Equal(t, domain.CallStateClassifiedMachine, s.State)
		})
	}
}

func TestHandleClassification_UnknownSessionHangsUp(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://bridge/abc"}
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, prov, &fakeNotifier{})

	ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA404", AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionHangup, ins.Kind)
	assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls))

	ins = c.HandleClassification(context.Background(), ClassificationEvent{AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionHangup, ins.Kind)
}

func TestHandleClassification_AfterRemoval(t *testing.T) {
	notifier := &fakeNotifier{}
	prov := &fakeProvisioner{joinURL: "wss://bridge/abc"}
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, prov, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted})
	require.Equal(t, 1, notifier.count())

	ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})
	assert.Equal(t, domain.InstructionHangup, ins.Kind)
	assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls))
}

func TestHandleClassification_TerminalDuringProvisioning(t *testing.T) {
	notifier := &fakeNotifier{}
	prov := &fakeProvisioner{joinURL: "wss://bridge/abc", block: make(chan struct{})}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, prov, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	done := make(chan domain.Instruction)
	go func() {
		done <- c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&prov.calls) == 1 }, time.Second, 5*time.Millisecond)
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted, AnsweredBy: domain.AnsweredByHuman})
	close(prov.block)

	ins := <-done
	assert.Equal(t, domain.InstructionHangup, ins.Kind)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 0, store.Len())
}

func TestHandleStatus_NonTerminalKeepsSession(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusRinging})
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusInProgress})

	assert.Equal(t, 0, notifier.count())
	_, err := store.Get("CA1")
	assert.NoError(t, err)
}

func TestHandleStatus_UnrecognizedStatusIsTerminal(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA9"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/9")

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA9", Status: "ended", DurationSeconds: 3})
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA9", Status: "ended", DurationSeconds: 3})

	require.Equal(t, 1, notifier.count())
	got := notifier.sent[0].outcome
	assert.Equal(t, "ended", got.Status)
	assert.Equal(t, 3, got.DurationSeconds)
	assert.Equal(t, domain.CallStateCompleted, got.Outcome)
	assert.Equal(t, 0, store.Len())
}

func TestHandleStatus_TerminalWithoutClassification(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusNoAnswer})

	require.Equal(t, 1, notifier.count())
	got := notifier.sent[0].outcome
	assert.Equal(t, "CA1", got.CallID)
	assert.Equal(t, domain.CallStatusNoAnswer, got.Status)
	assert.Nil(t, got.AnsweredBy)
	assert.Equal(t, domain.CallStateCompleted, got.Outcome)
	assert.False(t, got.Bridged)
	assert.Equal(t, 0, store.Len())
}

func TestHandleStatus_AnsweredByFallsBackToClassification(t *testing.T) {
	notifier := &fakeNotifier{}
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: "machine_end_beep"})
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted, DurationSeconds: 4})

	require.Equal(t, 1, notifier.count())
	got := notifier.sent[0].outcome
	require.NotNil(t, got.AnsweredBy)
	assert.Equal(t, "machine_end_beep", *got.AnsweredBy)
	assert.Equal(t, 4, got.DurationSeconds)
}

func TestHandleStatus_FailedSessionNotifiedOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{err: domain.ErrProvisioning}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted, DurationSeconds: 3})
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted, DurationSeconds: 3})

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, domain.CallStateFailed, notifier.sent[0].outcome.Outcome)
	assert.Equal(t, 0, store.Len())
}

func TestHandleStatus_DuplicateTerminalCallbacksConcurrently(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted, DurationSeconds: 10})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 0, store.Len())
}

func TestHandleStatus_DeliveryFailureStillRemovesSession(t *testing.T) {
	notifier := &fakeNotifier{err: domain.ErrDelivery}
	recorder := &fakeRecorder{err: errors.New("db down")}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	c.AddRecorder(recorder)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusBusy})

	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 0, store.Len())
	require.Len(t, recorder.delivered, 1)
	assert.False(t, recorder.delivered[0])
}

func TestHandleStatus_CanceledContextStillDelivers(t *testing.T) {
	notifier := &fakeNotifier{}
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.HandleStatus(ctx, StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted})

	assert.Equal(t, 1, notifier.count())
}

func TestEvictStaleSessions_SilentByDefault(t *testing.T) {
	notifier := &fakeNotifier{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, c.EvictStaleSessions(context.Background(), time.Millisecond))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, notifier.count())

	// a late terminal callback finds nothing to notify
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted})
	assert.Equal(t, 0, notifier.count())
}

func TestEvictStaleSessions_NotifyOnEviction(t *testing.T) {
	notifier := &fakeNotifier{}
	store := session.NewStore()
	c := NewController(ControllerConfig{PublicBaseURL: "https://gw.example.com", NotifyOnEviction: true},
		store, &fakePlacer{callID: "CA1"}, &fakeProvisioner{}, notifier)
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	assert.Equal(t, 0, c.EvictStaleSessions(context.Background(), time.Hour))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, c.EvictStaleSessions(context.Background(), time.Millisecond))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, domain.CallStatusTimeout, notifier.sent[0].outcome.Status)
	assert.Equal(t, domain.CallStateFailed, notifier.sent[0].outcome.Outcome)
	assert.Equal(t, "https://orchestrator/resume/1", notifier.sent[0].target)
}

func TestStartEvictionRoutine_StopsOnCancel(t *testing.T) {
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, &fakeNotifier{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.StartEvictionRoutine(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction routine did not stop")
	}
}

type fakeHistory struct {
	records map[string]*domain.CallOutcomeRecord
}

func (f *fakeHistory) GetByCallID(ctx context.Context, callID string) (*domain.CallOutcomeRecord, error) {
	if r, ok := f.records[callID]; ok {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func TestLookupCall(t *testing.T) {
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, &fakeNotifier{})
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

	got, err := c.LookupCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, LookupSourceLocal, got.Source)
	require.NotNil(t, got.Session)
	assert.Equal(t, domain.CallStatePlaced, got.Session.State)

	_, err = c.LookupCall(context.Background(), "CA9")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	c.SetHistory(&fakeHistory{records: map[string]*domain.CallOutcomeRecord{
		"CA9": {CallID: "CA9", Status: domain.CallStatusCompleted},
	}})
	got, err = c.LookupCall(context.Background(), "CA9")
	require.NoError(t, err)
	assert.Equal(t, LookupSourceHistory, got.Source)
	assert.Equal(t, "CA9", got.Record.CallID)

	_, err = c.LookupCall(context.Background(), "CA404")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSessionsByState(t *testing.T) {
	placer := &fakePlacer{callID: "CA1"}
	c, _ := newTestController(placer, &fakeProvisioner{joinURL: "wss://bridge/abc"}, &fakeNotifier{})
	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")
	placer.callID = "CA2"
	placeTestCall(t, c, "+15557654321", "https://orchestrator/resume/2")

	c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: domain.AnsweredByHuman})

	assert.Equal(t, map[domain.CallState]int{
		domain.CallStateBridged: 1,
		domain.CallStatePlaced:  1,
	}, c.SessionsByState())
}

func TestEndToEnd_HumanAnsweredCall(t *testing.T) {
	var posts int32
	var received map[string]interface{}
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/resume/42", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer orchestrator.Close()

	prov := &fakeProvisioner{joinURL: "wss://bridge/abc"}
	recorder := &fakeRecorder{}
	c, store := newTestController(&fakePlacer{callID: "CA1"}, prov, httpadapter.NewResumeClient(time.Second))
	c.AddRecorder(recorder)

	res := placeTestCall(t, c, "+15551234567", orchestrator.URL+"/resume/42")
	require.Equal(t, "CA1", res.CallID)

	ins := c.HandleClassification(context.Background(), ClassificationEvent{CallID: "CA1", AnsweredBy: "human"})
	assert.Equal(t, domain.InstructionConnect, ins.Kind)
	assert.Equal(t, "wss://bridge/abc", ins.JoinURL)

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: "completed", DurationSeconds: 37, AnsweredBy: "human"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Equal(t, "CA1", received["callId"])
	assert.Equal(t, "completed", received["status"])
	assert.Equal(t, float64(37), received["durationSeconds"])
	assert.Equal(t, "human", received["answeredBy"])
	assert.Equal(t, true, received["bridged"])

	_, err := store.Get("CA1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, 0, c.ActiveSessions())

	require.Len(t, recorder.delivered, 1)
	assert.True(t, recorder.delivered[0])

	// duplicate terminal callback: still exactly one POST
	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: "completed", DurationSeconds: 37, AnsweredBy: "human"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}}
}

func (f *fakeRedis) GetValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeRedis) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeRedis) DelValue(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) error {
	return nil
}

func (f *fakeRedis) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

func TestMonitor_FinishedCallIsNotWrittenBack(t *testing.T) {
	rdb := newFakeRedis()
	c, _ := newTestController(&fakePlacer{callID: "CA1"}, &fakeProvisioner{}, &fakeNotifier{})
	c.SetMonitor(session.NewMonitor(rdb, "pod-a"))

	placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")
	require.Equal(t, 1, rdb.len())

	c.HandleStatus(context.Background(), StatusEvent{CallID: "CA1", Status: domain.CallStatusCompleted})
	assert.Equal(t, 0, rdb.len())

	// a classification that updated the session just before it finished
	c.syncMonitor(context.Background(), "CA1")
	assert.Equal(t, 0, rdb.len())
}

func TestMonitor_ClassificationRacingTerminalLeavesNoEntry(t *testing.T) {
	for i := 0; i < 50; i++ {
		rdb := newFakeRedis()
		callID := fmt.Sprintf("CA%d", i)
		c, _ := newTestController(&fakePlacer{callID: callID}, &fakeProvisioner{joinURL: "wss://bridge/abc"}, &fakeNotifier{})
		c.SetMonitor(session.NewMonitor(rdb, "pod-a"))
		placeTestCall(t, c, "+15551234567", "https://orchestrator/resume/1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.HandleClassification(context.Background(), ClassificationEvent{CallID: callID, AnsweredBy: domain.AnsweredByHuman})
		}()
		go func() {
			defer wg.Done()
			c.HandleStatus(context.Background(), StatusEvent{CallID: callID, Status: domain.CallStatusCompleted})
		}()
		wg.Wait()

		assert.Equal(t, 0, rdb.len(), callID)
		_, err := c.LookupCall(context.Background(), callID)
		assert.True(t, errors.Is(err, domain.ErrNotFound), callID)
	}
}
