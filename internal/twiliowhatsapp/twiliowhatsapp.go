// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp messaging.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

const addressPrefix = "whatsapp:"

// Message is one outbound WhatsApp message. A message carries either a Body
// or a ContentSid referencing an approved content template.
type Message struct {
	From             string
	To               string
	Body             string
	ContentSid       string
	ContentVariables map[string]string
	MediaURL         string
}

// API creates WhatsApp messages and returns the provider message SID.
type API interface {
	CreateMessage(ctx context.Context, msg Message) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromWhats      string
	StatusCallback string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender used when a message has no From.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithStatusCallback sets the URL Twilio posts delivery statuses to.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client         *twilio.RestClient
	fromWhats      string
	statusCallback string
}

var _ API = (*Client)(nil)

// NewClient creates a client. Options not given fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_STATUS_CALLBACK_URL.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.StatusCallback == "" {
		cfg.StatusCallback = os.Getenv("TWILIO_STATUS_CALLBACK_URL")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("account SID and auth token must be provided")
	}

	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		fromWhats:      cfg.FromWhats,
		statusCallback: cfg.StatusCallback,
	}, nil
}

// Address returns number in the "whatsapp:+123" form Twilio expects.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, addressPrefix) {
		return number
	}
	return addressPrefix + number
}

// CreateMessage sends msg and returns its SID.
func (c *Client) CreateMessage(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from := msg.From
	if from == "" {
		from = c.fromWhats
	}
	if from == "" {
		return "", errors.New("no sender number for message")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(msg.To))
	params.SetFrom(Address(from))
	if msg.ContentSid != "" {
		params.SetContentSid(msg.ContentSid)
		if len(msg.ContentVariables) > 0 {
			vars, err := json.Marshal(msg.ContentVariables)
			if err != nil {
				return "", fmt.Errorf("encode content variables: %w", err)
			}
			params.SetContentVariables(string(vars))
		}
	} else {
		params.SetBody(msg.Body)
	}
	if msg.MediaURL != "" {
		params.SetMediaUrl([]string{msg.MediaURL})
	}
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", msg.To, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", msg.To, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", msg.To, "sid", sid, "template", msg.ContentSid != "")
	return sid, nil
}

// IsPermanent reports whether err is a Twilio rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Status >= 400 && restErr.Status < 500 && restErr.Status != http.StatusTooManyRequests
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	validator client.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full request URL and form params.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu       sync.Mutex
	Messages []MockMessage
	err      error
}

// MockMessage is a message recorded by MockClient.
type MockMessage struct {
	Message
	Sid string
}

var _ API = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

// FailWith makes every following CreateMessage call return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) CreateMessage(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	sid := util.GenerateMessageSid()
	m.Messages = append(m.Messages, MockMessage{Message: msg, Sid: sid})
	return sid, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}
