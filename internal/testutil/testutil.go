// Package testutil builds in-memory FlowPipe stacks and HTTP helpers for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// Organization numbers in the embedded default catalog.
const (
	FatMacysNumber = "whatsapp:+447700900101"
	EnhamNumber    = "whatsapp:+447700900102"
	AlixNumber     = "whatsapp:+447700900103"
)

// Stack is a dispatcher wired to an in-memory store, the default catalog and
// a mock Twilio client behind the real messaging service.
type Stack struct {
	Store      *store.InMemoryStore
	Catalog    *catalog.Catalog
	Twilio     *twiliowhatsapp.MockClient
	Ledger     *flow.Ledger
	Dispatcher *flow.Dispatcher
}

// NewStack builds a Stack or fails the test.
func NewStack(t testing.TB, opts ...flow.Option) *Stack {
	t.Helper()
	st := store.NewInMemoryStore()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load default catalog: %v", err)
	}
	engine := flow.NewDefaultEngine()
	resolver, err := flow.NewDefaultResolver(engine, cat)
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	ledger := flow.NewLedgerForEngine(st, engine)
	mock := twiliowhatsapp.NewMockClient()
	sender := messaging.NewTwilioService(mock, cat,
		messaging.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))

	d, err := flow.NewDispatcher(flow.Dependencies{
		Engine:      engine,
		Resolver:    resolver,
		Ledger:      ledger,
		States:      st,
		Users:       st,
		Permissions: cat,
		Router:      cat,
		Sender:      sender,
	}, append([]flow.Option{flow.WithDedup(st)}, opts...)...)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	return &Stack{Store: st, Catalog: cat, Twilio: mock, Ledger: ledger, Dispatcher: d}
}

// LastSent returns the most recent outbound message, failing the test when
// nothing was sent.
func (s *Stack) LastSent(t testing.TB) twiliowhatsapp.MockMessage {
	t.Helper()
	sent := s.Twilio.Sent()
	if len(sent) == 0 {
		t.Fatalf("no messages were sent")
	}
	return sent[len(sent)-1]
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON API response and checks its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
	} else if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// NewJSONRequest creates a request with body marshaled as JSON.
func NewJSONRequest(t testing.TB, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewFormRequest creates a form-encoded POST like the ones Twilio sends.
func NewFormRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// InboundForm is the form of an inbound WhatsApp message webhook.
func InboundForm(sid, from, to, body string) url.Values {
	return url.Values{
		"MessageSid": {sid},
		"AccountSid": {"ACtest"},
		"From":       {from},
		"To":         {to},
		"Body":       {body},
	}
}
