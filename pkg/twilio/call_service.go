package twilio

import (
	"context"
	"fmt"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// callCreator is the slice of the Twilio REST API used to place calls
type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// PlacementRequest describes one outbound call to place
type PlacementRequest struct {
	To                string
	ClassificationURL string // voice webhook, receives AnsweredBy and returns TwiML
	StatusURL         string // terminal status callback
}

// CallService places outbound calls with answering machine detection
type CallService struct {
	api  callCreator
	from string
}

// NewCallService creates a Twilio call service placing calls from the given number
func NewCallService(accountSID, authToken, from string) *CallService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &CallService{api: client.Api, from: from}
}

// PlaceCall creates the call and returns the Twilio call SID.
// Every failure wraps domain.ErrPlacement.
func (s *CallService) PlaceCall(ctx context.Context, req PlacementRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPlacement, err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(s.from)
	params.SetUrl(req.ClassificationURL)
	params.SetMethod("POST")
	// Synchronous detection: the voice webhook is only requested once the
	// answer is classified, so its response can decide between bridge and hangup.
	params.SetMachineDetection("Enable")
	params.SetStatusCallback(req.StatusURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{domain.CallStatusCompleted})

	logger.FromContext(ctx).Info("Placing outbound call", zap.String("to", req.To), zap.String("from", s.from))

	resp, err := s.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPlacement, err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("%w: twilio returned no call sid", domain.ErrPlacement)
	}

	return *resp.Sid, nil
}
