package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

const defaultMaxElapsed = 10 * time.Second

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// ErrUnknownOrganization is returned when sending on behalf of an organization
// that is not in the catalog.
var ErrUnknownOrganization = errors.New("unknown organization")

// Directory resolves an organization's sender number and content template SIDs.
type Directory interface {
	Organization(id string) (*catalog.Organization, bool)
	TemplateSid(orgID, key string) (string, bool)
}

// ServiceOption configures a TwilioService.
type ServiceOption func(*TwilioService)

// WithSendMetrics records send latency and outcome.
func WithSendMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *TwilioService) { s.metrics = m }
}

// WithBackOff replaces the retry policy. newBackOff must return a fresh policy per call.
func WithBackOff(newBackOff func() backoff.BackOff) ServiceOption {
	return func(s *TwilioService) { s.newBackOff = newBackOff }
}

// TwilioService implements Sender over the Twilio WhatsApp API. Content with a
// template key is sent as that organization's content template when one is
// configured and as plain text otherwise.
type TwilioService struct {
	api        twiliowhatsapp.API
	dir        Directory
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
}

var _ Sender = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService sending through api.
func NewTwilioService(api twiliowhatsapp.API, dir Directory, opts ...ServiceOption) *TwilioService {
	s := &TwilioService{
		api: api,
		dir: dir,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 250 * time.Millisecond
			bo.MaxElapsedTime = defaultMaxElapsed
			return bo
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient checks that recipient contains a plausible
// phone number and returns it as a "whatsapp:+<digits>" address.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, "whatsapp:"), "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return twiliowhatsapp.Address("+" + digits), nil
}

// RenderText is the plain-text form of content. Buttons become a list of
// replies the user can type.
func RenderText(content models.OutboundContent) string {
	if len(content.Buttons) == 0 {
		return content.Body
	}
	labels := make([]string, len(content.Buttons))
	for i, b := range content.Buttons {
		labels[i] = b.Label
	}
	return content.Body + "\n\nReply with: " + strings.Join(labels, " / ")
}

// Send delivers content to a user from the organization's number.
func (s *TwilioService) Send(ctx context.Context, orgID, to string, content models.OutboundContent) (string, error) {
	org, ok := s.dir.Organization(orgID)
	if !ok {
		return "", fmt.Errorf("send for %q: %w", orgID, ErrUnknownOrganization)
	}
	recipient, err := ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}

	msg := twiliowhatsapp.Message{From: org.PhoneNumber, To: recipient, MediaURL: content.MediaURL}
	kind := "text"
	if sid, ok := s.dir.TemplateSid(orgID, content.TemplateKey); ok && content.TemplateKey != "" {
		kind = "template"
		msg.ContentSid = sid
		msg.ContentVariables = content.TemplateVariables
	} else {
		if content.TemplateKey != "" {
			slog.Debug("TwilioService.Send: no template configured, sending text", "orgID", orgID, "templateKey", content.TemplateKey)
		}
		msg.Body = RenderText(content)
	}

	start := time.Now()
	var sid string
	err = backoff.RetryNotify(func() error {
		var err error
		sid, err = s.api.CreateMessage(ctx, msg)
		if err != nil && twiliowhatsapp.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.newBackOff(), ctx), func(err error, wait time.Duration) {
		slog.Warn("TwilioService.Send: send failed, retrying", "to", recipient, "wait", wait, "error", err)
	})
	if err != nil {
		s.metrics.ObserveSend(kind, "error", time.Since(start).Seconds())
		return "", fmt.Errorf("send %s message to %s: %w", kind, recipient, err)
	}
	s.metrics.ObserveSend(kind, "ok", time.Since(start).Seconds())
	slog.Debug("TwilioService.Send: message sent", "orgID", orgID, "to", recipient, "sid", sid, "kind", kind)
	return sid, nil
}
