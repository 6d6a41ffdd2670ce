package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

const testCatalog = `
organizations:
  - id: fat-macys
    name: Fat Macy's
    phone_number: "whatsapp:+447700900101"
    enabled_flows: [survey]
    templates:
      survey_intro: HX0001
`

func newTestService(t *testing.T, api twiliowhatsapp.API, opts ...ServiceOption) *TwilioService {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	opts = append([]ServiceOption{WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	})}, opts...)
	return NewTwilioService(api, cat, opts...)
}

func TestSendUsesConfiguredTemplate(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := newTestService(t, mock)

	sid, err := svc.Send(context.Background(), "fat-macys", "whatsapp:+447000000001", models.OutboundContent{
		Body:              "Hi! It's time for the survey.",
		TemplateKey:       "survey_intro",
		TemplateVariables: map[string]string{"1": "Hi! It's time for the survey."},
	})
	require.NoError(t, err)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sid, sent[0].Sid)
	assert.Equal(t, "HX0001", sent[0].ContentSid)
	assert.Equal(t, "whatsapp:+447700900101", sent[0].From)
	assert.Equal(t, "whatsapp:+447000000001", sent[0].To)
	assert.Empty(t, sent[0].Body)
	assert.Equal(t, "Hi! It's time for the survey.", sent[0].ContentVariables["1"])
}

func TestSendFallsBackToText(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := newTestService(t, mock)

	_, err := svc.Send(context.Background(), "fat-macys", "+44 7000 000001", models.OutboundContent{
		Body:        "1C) Are you happy for us to follow up?",
		TemplateKey: "survey_1c",
		Buttons:     []models.Button{{Payload: "followup-next_section", Label: "Yes"}, {Payload: "nofollowup-next_section", Label: "No"}},
	})
	require.NoError(t, err)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].ContentSid)
	assert.Equal(t, "1C) Are you happy for us to follow up?\n\nReply with: Yes / No", sent[0].Body)
	assert.Equal(t, "whatsapp:+447000000001", sent[0].To)
}

func TestSendUnknownOrganization(t *testing.T) {
	svc := newTestService(t, twiliowhatsapp.NewMockClient())
	_, err := svc.Send(context.Background(), "nobody", "+447000000001", models.OutboundContent{Body: "hi"})
	assert.ErrorIs(t, err, ErrUnknownOrganization)
}

func TestSendRejectsBadRecipient(t *testing.T) {
	svc := newTestService(t, twiliowhatsapp.NewMockClient())
	_, err := svc.Send(context.Background(), "fat-macys", "abc", models.OutboundContent{Body: "hi"})
	assert.Error(t, err)
}

type flakyAPI struct {
	failures int
	err      error
	calls    int
}

func (f *flakyAPI) CreateMessage(_ context.Context, _ twiliowhatsapp.Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "SM123", nil
}

func TestSendRetriesTransientErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	api := &flakyAPI{failures: 2, err: &client.TwilioRestError{Status: 503}}
	svc := newTestService(t, api, WithSendMetrics(metrics.New(reg)))

	sid, err := svc.Send(context.Background(), "fat-macys", "+447000000001", models.OutboundContent{Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
	assert.Equal(t, 3, api.calls)
}

func TestSendDoesNotRetryPermanentErrors(t *testing.T) {
	rejected := &client.TwilioRestError{Status: 400, Message: "invalid To"}
	api := &flakyAPI{failures: 5, err: rejected}
	svc := newTestService(t, api)

	_, err := svc.Send(context.Background(), "fat-macys", "+447000000001", models.OutboundContent{Body: "hi"})
	require.Error(t, err)
	var restErr *client.TwilioRestError
	assert.True(t, errors.As(err, &restErr))
	assert.Equal(t, 1, api.calls)
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	api := &flakyAPI{failures: 10, err: errors.New("connection reset")}
	svc := newTestService(t, api)
	_, err := svc.Send(context.Background(), "fat-macys", "+447000000001", models.OutboundContent{Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, 3, api.calls)
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+447000000001", "whatsapp:+447000000001", false},
		{"+44 (0) 7000-000001", "whatsapp:+4407000000001", false},
		{"", "", true},
		{"12345", "", true},
		{"whatsapp:", "", true},
	}
	for _, tc := range cases {
		got, err := ValidateAndCanonicalizeRecipient(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}
