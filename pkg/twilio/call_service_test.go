package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	params *api.CreateCallParams
	sid    string
	err    error
}

func (f *fakeCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Call{Sid: &f.sid}, nil
}

func TestPlaceCall(t *testing.T) {
	fake := &fakeCreator{sid: "CA1"}
	svc := &CallService{api: fake, from: "+15550000000"}

	sid, err := svc.PlaceCall(context.Background(), PlacementRequest{
		To:                "+15551234567",
		ClassificationURL: "https://gw/twilio/classification?token=t",
		StatusURL:         "https://gw/twilio/status?token=t",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA1", sid)

	p := fake.params
	require.NotNil(t, p)
	assert.Equal(t, "+15551234567", *p.To)
	assert.Equal(t, "+15550000000", *p.From)
	assert.Equal(t, "https://gw/twilio/classification?token=t", *p.Url)
	assert.Equal(t, "Enable", *p.MachineDetection)
	assert.Equal(t, "https://gw/twilio/status?token=t", *p.StatusCallback)
	assert.Equal(t, []string{"completed"}, *p.StatusCallbackEvent)
}

func TestPlaceCallFailures(t *testing.T) {
	svc := &CallService{api: &fakeCreator{err: errors.New("21211 invalid to")}, from: "+1"}
	_, err := svc.PlaceCall(context.Background(), PlacementRequest{To: "x"})
	assert.ErrorIs(t, err, domain.ErrPlacement)

	svc = &CallService{api: &fakeCreator{sid: ""}, from: "+1"}
	_, err = svc.PlaceCall(context.Background(), PlacementRequest{To: "x"})
	assert.ErrorIs(t, err, domain.ErrPlacement)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeCreator{sid: "CA1"}
	svc = &CallService{api: fake, from: "+1"}
	_, err = svc.PlaceCall(ctx, PlacementRequest{To: "x"})
	assert.ErrorIs(t, err, domain.ErrPlacement)
	assert.Nil(t, fake.params, "cancelled placement never reaches the API")
}
