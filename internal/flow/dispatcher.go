package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultBulkConcurrency bounds the number of flows BulkStart starts at once.
const DefaultBulkConcurrency = 8

// Opt-out keywords and replies.
const (
	OptOutReply = "You've been unsubscribed and won't receive any more messages from us. Reply SUBSCRIBE to opt back in."
	OptInReply  = "Welcome back! You're subscribed to messages from us again."
)

var (
	optOutKeywords = []string{"stop", "unsubscribe"}
	optInKeywords  = []string{"subscribe", "unstop"}
)

// ErrUnknownOrganization is returned for inbound messages to a number no organization owns.
var ErrUnknownOrganization = errors.New("no organization for number")

// UserDirectory is the contact directory the dispatcher reads and updates.
type UserDirectory interface {
	ResolveUser(ctx context.Context, userID, orgID, profileName string) (*models.UserInfo, error)
	GetUser(ctx context.Context, userID string) (*models.UserInfo, error)
	UpdateProfile(ctx context.Context, userID string, updates []models.ProfileUpdate) error
	SetOptOut(ctx context.Context, userID string, optedOut bool) error
}

// PermissionChecker decides whether an organization may run a flow type.
type PermissionChecker interface {
	IsFlowEnabled(flowName, orgID string) bool
}

// Router maps inbound numbers to organizations and phrases to flows.
type Router interface {
	OrganizationByPhone(phone string) (*catalog.Organization, bool)
	TriggerFlow(orgID, body string) (string, bool)
}

// Dependencies are the collaborators every Dispatcher needs.
type Dependencies struct {
	Engine      *Engine
	Resolver    *Resolver
	Ledger      *Ledger
	States      store.StateStore
	Users       UserDirectory
	Permissions PermissionChecker
	Router      Router
	Sender      messaging.Sender
}

// Option configures optional Dispatcher behaviour.
type Option func(*Dispatcher)

// WithDedup drops inbound messages whose MessageSid was already seen.
func WithDedup(repo store.DedupRepo) Option {
	return func(d *Dispatcher) { d.dedup = repo }
}

// WithMetrics records flow metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator overrides the tracked flow id generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithBulkConcurrency sets how many flows BulkStart starts concurrently.
func WithBulkConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bulkConcurrency = n
		}
	}
}

// Dispatcher drives inbound turns through the engine, the resolver, the stores
// and the transport. Turns for the same user are not serialised: the last
// writer wins on the flow state.
type Dispatcher struct {
	engine          *Engine
	resolver        *Resolver
	ledger          *Ledger
	states          store.StateStore
	users           UserDirectory
	perms           PermissionChecker
	router          Router
	sender          messaging.Sender
	dedup           store.DedupRepo
	metrics         *metrics.Metrics
	now             func() time.Time
	newID           func() string
	bulkConcurrency int
}

// NewDispatcher creates a Dispatcher. Router may be nil when HandleInbound is not used.
func NewDispatcher(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("dispatcher: engine is required")
	case deps.Resolver == nil:
		return nil, errors.New("dispatcher: resolver is required")
	case deps.Ledger == nil:
		return nil, errors.New("dispatcher: ledger is required")
	case deps.States == nil:
		return nil, errors.New("dispatcher: state store is required")
	case deps.Users == nil:
		return nil, errors.New("dispatcher: user directory is required")
	case deps.Permissions == nil:
		return nil, errors.New("dispatcher: permission checker is required")
	case deps.Sender == nil:
		return nil, errors.New("dispatcher: sender is required")
	}
	d := &Dispatcher{
		engine:          deps.Engine,
		resolver:        deps.Resolver,
		ledger:          deps.Ledger,
		states:          deps.States,
		users:           deps.Users,
		perms:           deps.Permissions,
		router:          deps.Router,
		sender:          deps.Sender,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		bulkConcurrency: DefaultBulkConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// StartRequest starts a new flow instance for a user.
type StartRequest struct {
	UserID              string
	OrgID               string
	FlowName            string
	ProfileName         string
	Signal              Signal
	MessageSid          string
	IsReminder          bool
	ClientSideTriggered bool
}

// StartResult reports whether a flow was started.
type StartResult struct {
	Accepted      bool
	Reason        string
	TrackedFlowID string
}

// StartFlow replaces any active flow of the user with a new one at (1,1), sends
// its first content and opens its history record.
func (d *Dispatcher) StartFlow(ctx context.Context, req StartRequest) (StartResult, error) {
	slog.Debug("Dispatcher.StartFlow: starting flow", "userID", req.UserID, "orgID", req.OrgID, "flowName", req.FlowName, "isReminder", req.IsReminder)

	if _, ok := d.engine.Variant(req.FlowName); !ok {
		d.metrics.FlowStarted(req.FlowName, "unknown")
		return StartResult{Reason: "unknown flow"}, fmt.Errorf("start %q: %w", req.FlowName, models.ErrUnknownFlow)
	}
	user, err := d.users.ResolveUser(ctx, req.UserID, req.OrgID, req.ProfileName)
	if err != nil {
		d.metrics.FlowStarted(req.FlowName, "error")
		return StartResult{}, fmt.Errorf("resolve user %s: %w", req.UserID, err)
	}
	if !d.perms.IsFlowEnabled(req.FlowName, req.OrgID) {
		slog.Warn("Dispatcher.StartFlow: flow not enabled for organization", "userID", req.UserID, "orgID", req.OrgID, "flowName", req.FlowName)
		d.metrics.FlowStarted(req.FlowName, "denied")
		return StartResult{Reason: "flow not enabled for organization"}, fmt.Errorf("start %q for %s: %w", req.FlowName, req.OrgID, models.ErrPermissionDenied)
	}

	now := d.now()
	state := models.FlowState{
		TrackedFlowID: d.newID(),
		UserID:        req.UserID,
		FlowName:      req.FlowName,
		FlowSection:   1,
		FlowStep:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.states.CreateFlowState(ctx, state); err != nil {
		d.metrics.FlowStarted(req.FlowName, "error")
		return StartResult{}, fmt.Errorf("create flow state for %s: %w", req.UserID, err)
	}

	res, err := d.resolver.Resolve(Request{
		FlowName:   req.FlowName,
		Section:    1,
		Step:       1,
		Signal:     req.Signal,
		IsReminder: req.IsReminder,
		OrgID:      req.OrgID,
		User:       user,
		MessageSid: req.MessageSid,
		Now:        now,
	})
	if err != nil {
		return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, fmt.Errorf("resolve first content: %w", err))
	}
	if err := d.applyProfile(ctx, req.UserID, res.ProfileUpdates); err != nil {
		return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
	}
	sids, err := d.send(ctx, req.OrgID, req.UserID, res.Messages)
	if err != nil {
		return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
	}

	err = d.ledger.Open(ctx, models.FlowHistoryRecord{
		TrackedFlowID:       state.TrackedFlowID,
		FlowName:            req.FlowName,
		ContactID:           req.UserID,
		OrganizationID:      req.OrgID,
		ClientSideTriggered: req.ClientSideTriggered,
		IsReminder:          req.IsReminder,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
	}
	if err := d.ledger.LinkMessages(ctx, state.TrackedFlowID, sids); err != nil {
		return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
	}
	if res.Question != nil {
		if err := d.ledger.AppendQuestion(ctx, state.TrackedFlowID, *res.Question, now); err != nil {
			return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
		}
	}
	if res.Terminal {
		if err := d.finish(ctx, state.TrackedFlowID, req.FlowName, "completed"); err != nil {
			return StartResult{}, d.fail(ctx, req.UserID, req.FlowName, err)
		}
	}

	d.metrics.FlowStarted(req.FlowName, "accepted")
	slog.Info("Dispatcher.StartFlow: flow started", "userID", req.UserID, "flowName", req.FlowName, "trackedFlowID", state.TrackedFlowID)
	return StartResult{Accepted: true, TrackedFlowID: state.TrackedFlowID}, nil
}

// ContinueRequest is one inbound reply to an active flow.
type ContinueRequest struct {
	UserID     string
	Signal     Signal
	MessageSid string
}

// ContinueResult reports the position the flow landed on.
type ContinueResult struct {
	Completed     bool
	TrackedFlowID string
	FlowName      string
	Section       int
	Step          int
}

// ContinueFlow applies one inbound reply to the user's active flow. It returns
// models.ErrNoActiveFlow when the user has none.
func (d *Dispatcher) ContinueFlow(ctx context.Context, req ContinueRequest) (ContinueResult, error) {
	state, err := d.states.GetFlowState(ctx, req.UserID)
	if err != nil {
		return ContinueResult{}, d.fail(ctx, req.UserID, "", fmt.Errorf("load flow state: %w", err))
	}
	if state == nil {
		return ContinueResult{}, fmt.Errorf("continue for %s: %w", req.UserID, models.ErrNoActiveFlow)
	}
	log := slog.With("userID", req.UserID, "flowName", state.FlowName, "trackedFlowID", state.TrackedFlowID)
	result := ContinueResult{TrackedFlowID: state.TrackedFlowID, FlowName: state.FlowName, Section: state.FlowSection, Step: state.FlowStep}

	user, err := d.users.GetUser(ctx, req.UserID)
	if err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, fmt.Errorf("load user: %w", err))
	}
	now := d.now()

	if state.Cancelled {
		log.Info("Dispatcher.ContinueFlow: flow was cancelled, closing it")
		if err := d.closeCancelled(ctx, state, user, req, now); err != nil {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
		result.Completed = true
		return result, nil
	}

	if _, err := d.ledger.MarkStatus(ctx, state.TrackedFlowID, models.FlowStatusInProgress); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
		log.Warn("Dispatcher.ContinueFlow: flow has no history record", "error", err)
	}

	variant, ok := d.engine.Variant(state.FlowName)
	if !ok {
		return result, d.fail(ctx, req.UserID, state.FlowName, fmt.Errorf("continue %q: %w", state.FlowName, models.ErrUnknownFlow))
	}
	t := variant.Next(state, req.Signal)
	adv := t.Advance()

	target := *state
	target.Selections = maps.Clone(state.Selections)
	target.Apply(adv, now)
	res, err := d.resolver.Resolve(Request{
		FlowName:   target.FlowName,
		Section:    target.FlowSection,
		Step:       target.FlowStep,
		Selections: target.Selections,
		Signal:     req.Signal,
		Cancelled:  t.Cancelled,
		EndFlow:    t.EndFlow,
		OrgID:      user.OrganizationID,
		User:       user,
		MessageSid: req.MessageSid,
		Now:        now,
	})
	if err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, fmt.Errorf("resolve content: %w", err))
	}
	if res.Unmapped {
		log.Warn("Dispatcher.ContinueFlow: reply leads nowhere, keeping position", "to", t.Position())
		return result, nil
	}

	next, err := d.states.AdvanceFlowState(ctx, state.TrackedFlowID, adv)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("Dispatcher.ContinueFlow: flow ended before the turn was applied")
		return result, fmt.Errorf("advance %s: %w", state.TrackedFlowID, models.ErrNoActiveFlow)
	}
	if err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, fmt.Errorf("advance flow state: %w", err))
	}
	log.Debug("Dispatcher.ContinueFlow: flow advanced", "from", Position{state.FlowSection, state.FlowStep}, "to", t.Position(), "sectionAdvanced", t.SectionAdvanced, "paginated", t.Paginated, "endFlow", t.EndFlow)
	result.Section, result.Step = next.FlowSection, next.FlowStep

	if adv.MarkStarted {
		if err := d.ledger.RecordStartedAt(ctx, state.TrackedFlowID, now); err != nil && !errors.Is(err, models.ErrNotFound) {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
	}
	if !t.Cancelled && !t.Paginated && !t.EndFlow {
		if _, err := d.ledger.AttachResponse(ctx, state.TrackedFlowID, variant.FormatAnswer(req.Signal), req.MessageSid); err != nil && !errors.Is(err, models.ErrNotFound) {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
	}

	if err := d.applyProfile(ctx, req.UserID, res.ProfileUpdates); err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, err)
	}
	if res.Question != nil {
		if err := d.ledger.AppendQuestion(ctx, state.TrackedFlowID, *res.Question, now); err != nil && !errors.Is(err, models.ErrNotFound) {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
	}
	sids, err := d.send(ctx, user.OrganizationID, req.UserID, res.Messages)
	if err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, err)
	}
	if err := d.ledger.LinkMessages(ctx, state.TrackedFlowID, sids); err != nil {
		return result, d.fail(ctx, req.UserID, state.FlowName, err)
	}

	d.metrics.TurnApplied(state.FlowName)
	if res.Terminal {
		outcome := "completed"
		if t.Cancelled {
			outcome = "cancelled"
		}
		if err := d.finish(ctx, state.TrackedFlowID, state.FlowName, outcome); err != nil {
			return result, d.fail(ctx, req.UserID, state.FlowName, err)
		}
		result.Completed = true
	}
	return result, nil
}

func (d *Dispatcher) closeCancelled(ctx context.Context, state *models.FlowState, user *models.UserInfo, req ContinueRequest, now time.Time) error {
	res, err := d.resolver.Resolve(Request{FlowName: state.FlowName, Cancelled: true, OrgID: user.OrganizationID, User: user, Now: now})
	if err != nil {
		return err
	}
	if _, err := d.send(ctx, user.OrganizationID, req.UserID, res.Messages); err != nil {
		return err
	}
	return d.finish(ctx, state.TrackedFlowID, state.FlowName, "cancelled")
}

// GetActiveFlow returns the user's active flow state, or nil if there is none.
func (d *Dispatcher) GetActiveFlow(ctx context.Context, userID string) (*models.FlowState, error) {
	state, err := d.states.GetFlowState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get active flow for %s: %w", userID, err)
	}
	return state, nil
}

// finish completes the history record and removes the flow state.
func (d *Dispatcher) finish(ctx context.Context, trackedFlowID, flowName, outcome string) error {
	if err := d.ledger.MarkCompleted(ctx, trackedFlowID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		slog.Warn("Dispatcher.finish: flow has no history record", "trackedFlowID", trackedFlowID, "error", err)
	}
	if err := d.states.DeleteFlowState(ctx, trackedFlowID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("delete flow state %s: %w", trackedFlowID, err)
	}
	d.metrics.FlowFinished(flowName, outcome)
	slog.Info("Dispatcher.finish: flow finished", "trackedFlowID", trackedFlowID, "flowName", flowName, "outcome", outcome)
	return nil
}

// fail clears every flow state of the user so they are not stuck mid-flow,
// then returns err.
func (d *Dispatcher) fail(ctx context.Context, userID, flowName string, err error) error {
	slog.Error("Dispatcher: turn failed, clearing flow state", "userID", userID, "flowName", flowName, "error", err)
	d.metrics.TurnFailed(flowName)
	n, cleanupErr := d.states.DeleteUserFlowStates(context.WithoutCancel(ctx), userID)
	if cleanupErr != nil {
		slog.Error("Dispatcher: flow state cleanup failed", "userID", userID, "error", cleanupErr)
	} else {
		slog.Debug("Dispatcher: flow state cleared", "userID", userID, "removed", n)
	}
	return err
}

func (d *Dispatcher) applyProfile(ctx context.Context, userID string, updates []models.ProfileUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := d.users.UpdateProfile(ctx, userID, updates); err != nil {
		return fmt.Errorf("update profile of %s: %w", userID, err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, orgID, to string, msgs []models.OutboundContent) ([]string, error) {
	sids := make([]string, 0, len(msgs))
	for i, msg := range msgs {
		sid, err := d.sender.Send(ctx, orgID, to, msg)
		if err != nil {
			return sids, fmt.Errorf("send message %d of %d to %s: %w", i+1, len(msgs), to, err)
		}
		sids = append(sids, sid)
	}
	return sids, nil
}

// InboundMessage is a WhatsApp message received by an organization's number.
type InboundMessage struct {
	MessageSid    string
	From          string
	To            string
	Body          string
	ButtonPayload string
	ProfileName   string
}

// Inbound actions reported by HandleInbound.
const (
	ActionDuplicate = "duplicate"
	ActionOptedOut  = "opted_out"
	ActionOptedIn   = "opted_in"
	ActionIgnored   = "ignored"
	ActionDenied    = "denied"
	ActionStarted   = "started"
	ActionContinued = "continued"
	ActionNoFlow    = "no_active_flow"
)

// InboundResult reports what HandleInbound did with a message.
type InboundResult struct {
	Action        string
	TrackedFlowID string
	Completed     bool
}

// HandleInbound routes one inbound message: opt-out and opt-in keywords,
// trigger phrases that start a flow, and everything else as a reply to the
// active flow.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg InboundMessage) (InboundResult, error) {
	if d.router == nil {
		return InboundResult{}, errors.New("dispatcher: no router configured")
	}
	org, ok := d.router.OrganizationByPhone(msg.To)
	if !ok {
		return InboundResult{Action: ActionIgnored}, fmt.Errorf("inbound to %s: %w", msg.To, ErrUnknownOrganization)
	}

	if d.dedup != nil && msg.MessageSid != "" {
		fresh, err := d.dedup.RecordInbound(ctx, msg.MessageSid, msg.From)
		if err != nil {
			return InboundResult{}, fmt.Errorf("record inbound %s: %w", msg.MessageSid, err)
		}
		if !fresh {
			slog.Info("Dispatcher.HandleInbound: duplicate delivery dropped", "messageSid", msg.MessageSid, "userID", msg.From)
			return InboundResult{Action: ActionDuplicate}, nil
		}
	}

	res, err := d.routeInbound(ctx, org, msg)
	if d.dedup != nil && msg.MessageSid != "" {
		d.settleInbound(context.WithoutCancel(ctx), msg.MessageSid, err)
	}
	return res, err
}

// settleInbound marks a handled message processed. A message whose turn failed
// is released so the provider's retry of it is handled again.
func (d *Dispatcher) settleInbound(ctx context.Context, messageSid string, turnErr error) {
	if turnErr != nil {
		if err := d.dedup.ReleaseInbound(ctx, messageSid); err != nil {
			slog.Warn("Dispatcher.HandleInbound: release failed message", "messageSid", messageSid, "error", err)
		}
		return
	}
	if err := d.dedup.MarkProcessed(ctx, messageSid); err != nil {
		slog.Warn("Dispatcher.HandleInbound: mark processed failed", "messageSid", messageSid, "error", err)
	}
}

func (d *Dispatcher) routeInbound(ctx context.Context, org *catalog.Organization, msg InboundMessage) (InboundResult, error) {
	user, err := d.users.ResolveUser(ctx, msg.From, org.ID, msg.ProfileName)
	if err != nil {
		return InboundResult{}, fmt.Errorf("resolve user %s: %w", msg.From, err)
	}

	keyword := catalog.NormalizeTrigger(msg.Body)
	switch {
	case slices.Contains(optOutKeywords, keyword):
		return d.optOut(ctx, org.ID, user)
	case slices.Contains(optInKeywords, keyword):
		return d.optIn(ctx, org.ID, user)
	case user.OptedOut:
		slog.Debug("Dispatcher.HandleInbound: ignoring message from opted-out user", "userID", user.ID)
		return InboundResult{Action: ActionIgnored}, nil
	}

	sig := Signal{Text: msg.Body, ButtonPayload: msg.ButtonPayload}
	if flowName, ok := d.router.TriggerFlow(org.ID, msg.Body); ok && msg.ButtonPayload == "" {
		res, err := d.StartFlow(ctx, StartRequest{
			UserID:              msg.From,
			OrgID:               org.ID,
			FlowName:            flowName,
			ProfileName:         msg.ProfileName,
			Signal:              sig,
			MessageSid:          msg.MessageSid,
			ClientSideTriggered: true,
		})
		if errors.Is(err, models.ErrPermissionDenied) {
			return InboundResult{Action: ActionDenied}, nil
		}
		if err != nil {
			return InboundResult{}, err
		}
		return InboundResult{Action: ActionStarted, TrackedFlowID: res.TrackedFlowID}, nil
	}

	res, err := d.ContinueFlow(ctx, ContinueRequest{UserID: msg.From, Signal: sig, MessageSid: msg.MessageSid})
	if errors.Is(err, models.ErrNoActiveFlow) {
		slog.Debug("Dispatcher.HandleInbound: no active flow for message", "userID", msg.From)
		return InboundResult{Action: ActionNoFlow}, nil
	}
	if err != nil {
		return InboundResult{}, err
	}
	return InboundResult{Action: ActionContinued, TrackedFlowID: res.TrackedFlowID, Completed: res.Completed}, nil
}

func (d *Dispatcher) optOut(ctx context.Context, orgID string, user *models.UserInfo) (InboundResult, error) {
	if err := d.users.SetOptOut(ctx, user.ID, true); err != nil {
		return InboundResult{}, fmt.Errorf("opt out %s: %w", user.ID, err)
	}
	if _, err := d.states.DeleteUserFlowStates(ctx, user.ID); err != nil {
		return InboundResult{}, fmt.Errorf("clear flows of %s: %w", user.ID, err)
	}
	if _, err := d.send(ctx, orgID, user.ID, []models.OutboundContent{text(OptOutReply)}); err != nil {
		slog.Warn("Dispatcher.optOut: confirmation not sent", "userID", user.ID, "error", err)
	}
	slog.Info("Dispatcher.optOut: user opted out", "userID", user.ID)
	return InboundResult{Action: ActionOptedOut}, nil
}

func (d *Dispatcher) optIn(ctx context.Context, orgID string, user *models.UserInfo) (InboundResult, error) {
	if err := d.users.SetOptOut(ctx, user.ID, false); err != nil {
		return InboundResult{}, fmt.Errorf("opt in %s: %w", user.ID, err)
	}
	if _, err := d.send(ctx, orgID, user.ID, []models.OutboundContent{text(OptInReply)}); err != nil {
		slog.Warn("Dispatcher.optIn: confirmation not sent", "userID", user.ID, "error", err)
	}
	slog.Info("Dispatcher.optIn: user opted in", "userID", user.ID)
	return InboundResult{Action: ActionOptedIn}, nil
}

// BulkRequest starts one flow type for many contacts.
type BulkRequest struct {
	OrgID               string
	FlowName            string
	Contacts            []string
	IsReminder          bool
	ClientSideTriggered bool
}

// BulkResult summarises a BulkStart run.
type BulkResult struct {
	Started []string `json:"started"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
}

// BulkStart starts a flow for every contact with bounded concurrency. Opted-out
// contacts are skipped. Individual failures do not stop the run; they are
// returned joined.
func (d *Dispatcher) BulkStart(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if !d.perms.IsFlowEnabled(req.FlowName, req.OrgID) {
		return BulkResult{}, fmt.Errorf("bulk start %q for %s: %w", req.FlowName, req.OrgID, models.ErrPermissionDenied)
	}
	contacts := slices.Clone(req.Contacts)
	slices.Sort(contacts)
	contacts = slices.Compact(contacts)

	var (
		mu     sync.Mutex
		result BulkResult
		errs   []error
	)
	record := func(list *[]string, contact string, err error) {
		mu.Lock()
		defer mu.Unlock()
		*list = append(*list, contact)
		if err != nil {
			errs = append(errs, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(d.bulkConcurrency)
	for _, contact := range contacts {
		if contact == "" {
			continue
		}
		g.Go(func() error {
			user, err := d.users.ResolveUser(ctx, contact, req.OrgID, "")
			if err != nil {
				record(&result.Failed, contact, fmt.Errorf("resolve %s: %w", contact, err))
				return nil
			}
			if user.OptedOut {
				record(&result.Skipped, contact, nil)
				return nil
			}
			if _, err := d.StartFlow(ctx, StartRequest{
				UserID:              contact,
				OrgID:               req.OrgID,
				FlowName:            req.FlowName,
				IsReminder:          req.IsReminder,
				ClientSideTriggered: req.ClientSideTriggered,
			}); err != nil {
				record(&result.Failed, contact, fmt.Errorf("start for %s: %w", contact, err))
				return nil
			}
			record(&result.Started, contact, nil)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(result.Started)
	slices.Sort(result.Skipped)
	slices.Sort(result.Failed)
	slog.Info("Dispatcher.BulkStart: bulk start finished", "orgID", req.OrgID, "flowName", req.FlowName,
		"started", len(result.Started), "skipped", len(result.Skipped), "failed", len(result.Failed))
	return result, errors.Join(errs...)
}

// Delivery statuses reported by the provider.
const (
	DeliveryQueued      = "queued"
	DeliverySent        = "sent"
	DeliveryDelivered   = "delivered"
	DeliveryRead        = "read"
	DeliveryFailed      = "failed"
	DeliveryUndelivered = "undelivered"
)

// HandleStatus applies a delivery callback to the flow the message belongs to.
func (d *Dispatcher) HandleStatus(ctx context.Context, messageSid, status string) error {
	switch status {
	case DeliveryDelivered, DeliveryRead:
	case DeliveryFailed, DeliveryUndelivered:
		slog.Warn("Dispatcher.HandleStatus: message was not delivered", "messageSid", messageSid, "status", status)
		return nil
	default:
		slog.Debug("Dispatcher.HandleStatus: status ignored", "messageSid", messageSid, "status", status)
		return nil
	}

	trackedFlowID, err := d.ledger.FlowForMessage(ctx, messageSid)
	if errors.Is(err, models.ErrNotFound) {
		slog.Debug("Dispatcher.HandleStatus: message is not linked to a flow", "messageSid", messageSid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find flow for message %s: %w", messageSid, err)
	}
	if _, err := d.ledger.MarkStatus(ctx, trackedFlowID, models.FlowStatus(status)); err != nil {
		return fmt.Errorf("apply status %s to %s: %w", status, trackedFlowID, err)
	}
	return nil
}
