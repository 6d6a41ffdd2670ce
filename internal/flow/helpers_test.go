package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

var testNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	OrgID   string
	To      string
	Content models.OutboundContent
	Sid     string
}

// recordingSender records every send and returns sequential SIDs.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	n    int
	err  error
}

func (s *recordingSender) Send(_ context.Context, orgID, to string, content models.OutboundContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.n++
	sid := fmt.Sprintf("SM%04d", s.n)
	s.sent = append(s.sent, sentMessage{OrgID: orgID, To: to, Content: content, Sid: sid})
	return sid, nil
}

func (s *recordingSender) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *recordingSender) last() sentMessage {
	msgs := s.messages()
	if len(msgs) == 0 {
		return sentMessage{}
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	t          *testing.T
	store      *store.InMemoryStore
	catalog    *catalog.Catalog
	sender     *recordingSender
	ledger     *Ledger
	dispatcher *Dispatcher
}

// Organization numbers from the embedded catalog.
const (
	fatMacysNumber = "whatsapp:+447700900101"
	enhamNumber    = "whatsapp:+447700900102"
	alixNumber     = "whatsapp:+447700900103"
)

func newHarness(t *testing.T, states store.StateStore) *harness {
	t.Helper()
	st := store.NewInMemoryStore()
	if states == nil {
		states = st
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	engine := NewDefaultEngine()
	resolver, err := NewDefaultResolver(engine, cat)
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	ledger := NewLedgerForEngine(st, engine)
	sender := &recordingSender{}
	var ids atomic.Int64
	d, err := NewDispatcher(Dependencies{
		Engine:      engine,
		Resolver:    resolver,
		Ledger:      ledger,
		States:      states,
		Users:       st,
		Permissions: cat,
		Router:      cat,
		Sender:      sender,
	},
		WithDedup(st),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("flow-%d", ids.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	return &harness{t: t, store: st, catalog: cat, sender: sender, ledger: ledger, dispatcher: d}
}

var inboundSeq atomic.Int64

// send delivers an inbound message from user to an organization number.
func (h *harness) send(to, user, body, payload string) InboundResult {
	h.t.Helper()
	res, err := h.dispatcher.HandleInbound(context.Background(), InboundMessage{
		MessageSid:    fmt.Sprintf("SMin%d", inboundSeq.Add(1)),
		From:          user,
		To:            to,
		Body:          body,
		ButtonPayload: payload,
	})
	if err != nil {
		h.t.Fatalf("HandleInbound(%q, %q): %v", body, payload, err)
	}
	return res
}

func (h *harness) state(user string) *models.FlowState {
	h.t.Helper()
	s, err := h.dispatcher.GetActiveFlow(context.Background(), user)
	if err != nil {
		h.t.Fatalf("GetActiveFlow: %v", err)
	}
	return s
}

func (h *harness) requirePosition(user string, section, step int) *models.FlowState {
	h.t.Helper()
	s := h.state(user)
	if s == nil {
		h.t.Fatalf("expected an active flow at (%d,%d), got none", section, step)
	}
	if s.FlowSection != section || s.FlowStep != step {
		h.t.Fatalf("expected position (%d,%d), got (%d,%d)", section, step, s.FlowSection, s.FlowStep)
	}
	return s
}

func (h *harness) history(id string) *models.FlowHistoryRecord {
	h.t.Helper()
	rec, err := h.store.GetHistory(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetHistory(%s): %v", id, err)
	}
	return rec
}

func (h *harness) user(id string) *models.UserInfo {
	h.t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetUser(%s): %v", id, err)
	}
	return u
}

// barrierStates makes the first n GetFlowState calls wait for each other, so
// n concurrent turns all load the same state before any of them writes.
type barrierStates struct {
	store.StateStore
	n     int64
	calls atomic.Int64
	armed atomic.Bool
	wg    sync.WaitGroup
}

func newBarrierStates(inner store.StateStore, n int) *barrierStates {
	b := &barrierStates{StateStore: inner, n: int64(n)}
	b.wg.Add(n)
	return b
}

// arm starts holding GetFlowState calls.
func (b *barrierStates) arm() { b.armed.Store(true) }

func (b *barrierStates) GetFlowState(ctx context.Context, userID string) (*models.FlowState, error) {
	s, err := b.StateStore.GetFlowState(ctx, userID)
	if b.armed.Load() && b.calls.Add(1) <= b.n {
		b.wg.Done()
		b.wg.Wait()
	}
	return s, err
}

var errSendFailed = errors.New("provider unavailable")
