package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// CancellationMessage is sent when a user cancels a flow.
const CancellationMessage = "No worries! You've been opted out of this survey. Message us any time if you change your mind."

// DefaultErrorMessage is sent when late validation rejects a selection.
const DefaultErrorMessage = "Sorry, something went wrong. Please message us again to start over."

// ServiceDirectory is the per-organization signposting directory.
type ServiceDirectory interface {
	Categories(orgID string) []string
	Services(orgID, category string) ([]catalog.Service, bool)
}

// Request addresses one position of a flow together with everything the
// content for it may depend on.
type Request struct {
	FlowName   string
	Section    int
	Step       int
	Selections map[string]string
	Signal     Signal
	Cancelled  bool
	EndFlow    bool
	IsReminder bool
	OrgID      string
	User       *models.UserInfo
	MessageSid string
	Now        time.Time
}

// Position returns the requested position.
func (r Request) Position() Position {
	return Position{Section: r.Section, Step: r.Step}
}

// Question is a survey question recorded in the flow history.
type Question struct {
	Number  string
	Content string
}

// Resolution is the content for one position.
type Resolution struct {
	Messages       []models.OutboundContent
	Terminal       bool
	Question       *Question
	ProfileUpdates []models.ProfileUpdate
	// Unmapped is set when the position has no content.
	Unmapped bool
}

// ProfileRule declares one profile update emitted on arrival at a position.
type ProfileRule struct {
	Field     string
	Container models.ContainerType
	// Value computes the stored value. A nil Value stores the inbound body.
	// Returning false skips the update.
	Value func(Request) (any, bool)
}

// BuildFunc produces content that depends on selections, the profile or the directory.
type BuildFunc func(r *Resolver, req Request) (Resolution, error)

// Entry is the content of one position.
type Entry struct {
	Messages []models.OutboundContent
	// Reminder replaces Messages when the flow was started as a reminder.
	Reminder []models.OutboundContent
	Question *Question
	Terminal bool
	Profile  []ProfileRule
	Build    BuildFunc
}

// Layout is a content table keyed by section and then step.
type Layout map[int]map[int]Entry

// Track is an alternative set of sections selected by a selection value.
type Track struct {
	// Sections declares the last step of every section the track covers.
	Sections map[int]int
	Layout   Layout
}

// FlowContent is the full content declaration of one flow type.
type FlowContent struct {
	Name string
	// Sections declares the last step of every section. Every step from 1 to
	// the last must have an entry.
	Sections map[int]int
	Layout   Layout
	// TrackKey names the selection that chooses a Track for positions missing from Layout.
	TrackKey string
	Tracks   map[string]Track
	// Closing is sent when the user ends a flow early.
	Closing *Entry
	// ErrorMessage replaces DefaultErrorMessage for this flow.
	ErrorMessage string
}

func (fc *FlowContent) lookup(req Request) (Entry, bool, error) {
	if e, ok := fc.Layout[req.Section][req.Step]; ok {
		return e, true, nil
	}
	if fc.TrackKey == "" {
		return Entry{}, false, nil
	}
	track, ok := fc.Tracks[req.Selections[fc.TrackKey]]
	if !ok {
		return Entry{}, false, fmt.Errorf("%w: %s %q", ErrUnrecognizedSelection, fc.TrackKey, req.Selections[fc.TrackKey])
	}
	e, ok := track.Layout[req.Section][req.Step]
	return e, ok, nil
}

func (fc *FlowContent) errorResolution() Resolution {
	msg := fc.ErrorMessage
	if msg == "" {
		msg = DefaultErrorMessage
	}
	return Resolution{Messages: []models.OutboundContent{text(msg)}, Terminal: true}
}

// ErrUnrecognizedSelection marks a selection that late validation rejected.
var ErrUnrecognizedSelection = errors.New("unrecognized selection")

// Resolver maps flow positions to outbound content.
type Resolver struct {
	flows     map[string]*FlowContent
	directory ServiceDirectory
}

// NewResolver validates contents against the engine's rule tables and returns a resolver.
// Every variant needs content, every declared position needs an entry, and every
// position a section advance or branch can land on must be declared.
func NewResolver(engine *Engine, directory ServiceDirectory, contents ...*FlowContent) (*Resolver, error) {
	r := &Resolver{flows: make(map[string]*FlowContent, len(contents)), directory: directory}
	var errs []error
	for _, fc := range contents {
		v, ok := engine.Variant(fc.Name)
		if !ok {
			errs = append(errs, fmt.Errorf("content for %q: %w", fc.Name, models.ErrUnknownFlow))
			continue
		}
		if err := validateContent(fc, v); err != nil {
			errs = append(errs, err)
			continue
		}
		r.flows[fc.Name] = fc
	}
	for _, name := range engine.Names() {
		if !slices.ContainsFunc(contents, func(fc *FlowContent) bool { return fc.Name == name }) {
			errs = append(errs, fmt.Errorf("flow %q has no content", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("validate content: %w", err)
	}
	slog.Debug("Resolver: content validated", "flows", len(r.flows))
	return r, nil
}

// NewDefaultResolver returns a resolver over the built-in content tables.
func NewDefaultResolver(engine *Engine, directory ServiceDirectory) (*Resolver, error) {
	return NewResolver(engine, directory, DefaultContent()...)
}

// DefaultContent returns the built-in content of every flow type.
func DefaultContent() []*FlowContent {
	return []*FlowContent{
		surveyContent(),
		socialSurveyContent(),
		enhamQuizContent(),
		paRegisterContent(),
		paDetailCheckContent(),
		signpostingContent(FlowSignpostingAlix, "Hi, welcome to the Alix support finder! I can help you find services that support people in your area."),
		signpostingContent(FlowSignpostingGolding, "Hello and welcome to Golding's support finder! I can point you to local and national services."),
		editDetailsContent(),
	}
}

func validateContent(fc *FlowContent, v *Variant) error {
	var errs []error
	declared := func(p Position) bool {
		if n, ok := fc.Sections[p.Section]; ok && p.Step >= 1 && p.Step <= n {
			return true
		}
		for _, t := range fc.Tracks {
			if n, ok := t.Sections[p.Section]; ok && p.Step >= 1 && p.Step <= n {
				return true
			}
		}
		return false
	}
	checkLayout := func(label string, sections map[int]int, layout Layout) {
		for section, last := range sections {
			for step := 1; step <= last; step++ {
				e, ok := layout[section][step]
				if !ok {
					errs = append(errs, fmt.Errorf("%s: missing entry at (%d,%d)", label, section, step))
					continue
				}
				if len(e.Messages) == 0 && e.Build == nil {
					errs = append(errs, fmt.Errorf("%s: entry at (%d,%d) sends nothing", label, section, step))
				}
			}
		}
		for section, steps := range layout {
			for step := range steps {
				if last, ok := sections[section]; !ok || step < 1 || step > last {
					errs = append(errs, fmt.Errorf("%s: entry at (%d,%d) is outside the declared layout", label, section, step))
				}
			}
		}
	}

	checkLayout(fc.Name, fc.Sections, fc.Layout)
	for key, t := range fc.Tracks {
		checkLayout(fc.Name+"/"+key, t.Sections, t.Layout)
	}
	if !declared(Position{Section: 1, Step: 1}) {
		errs = append(errs, fmt.Errorf("%s: no entry at (1,1)", fc.Name))
	}
	for _, p := range v.SectionAdvance.At {
		if !declared(p) {
			errs = append(errs, fmt.Errorf("%s: section advance from undeclared position %s", fc.Name, p))
		}
		if next := (Position{Section: p.Section + 1, Step: 1}); !declared(next) {
			errs = append(errs, fmt.Errorf("%s: section advance to undeclared position %s", fc.Name, next))
		}
	}
	if v.Branch != nil {
		for _, step := range v.Branch.Targets() {
			found := false
			for section := range fc.Sections {
				found = found || declared(Position{Section: section, Step: step})
			}
			if !found {
				errs = append(errs, fmt.Errorf("%s: branch target step %d is not declared", fc.Name, step))
			}
		}
	}
	if (v.Paginated || v.DetailEdit) && fc.Closing == nil {
		errs = append(errs, fmt.Errorf("%s: flow can end early but has no closing message", fc.Name))
	}
	return errors.Join(errs...)
}

// Flows lists the flow names the resolver has content for.
func (r *Resolver) Flows() []string {
	names := slices.Collect(maps.Keys(r.flows))
	slices.Sort(names)
	return names
}

// Resolve returns the content for a position. A position outside the flow's
// layout resolves to nothing: Unmapped, no messages and not terminal.
func (r *Resolver) Resolve(req Request) (Resolution, error) {
	if req.Cancelled {
		return Resolution{Messages: []models.OutboundContent{text(CancellationMessage)}, Terminal: true}, nil
	}
	fc, ok := r.flows[req.FlowName]
	if !ok {
		return Resolution{}, fmt.Errorf("resolve %q: %w", req.FlowName, models.ErrUnknownFlow)
	}
	if req.EndFlow && fc.Closing != nil {
		return r.resolveEntry(fc, *fc.Closing, req)
	}

	entry, ok, err := fc.lookup(req)
	if err != nil {
		slog.Warn("Resolver.Resolve: late validation failed", "flowName", req.FlowName, "position", req.Position(), "error", err)
		return fc.errorResolution(), nil
	}
	if !ok {
		slog.Warn("Resolver.Resolve: no content for position", "flowName", req.FlowName, "position", req.Position())
		return Resolution{Unmapped: true}, nil
	}
	return r.resolveEntry(fc, entry, req)
}

func (r *Resolver) resolveEntry(fc *FlowContent, e Entry, req Request) (Resolution, error) {
	var res Resolution
	if e.Build != nil {
		built, err := e.Build(r, req)
		if errors.Is(err, ErrUnrecognizedSelection) {
			slog.Warn("Resolver.Resolve: late validation failed", "flowName", req.FlowName, "position", req.Position(), "error", err)
			return fc.errorResolution(), nil
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("build content for %s at %s: %w", req.FlowName, req.Position(), err)
		}
		res = built
	} else {
		msgs := e.Messages
		if req.IsReminder && len(e.Reminder) > 0 {
			msgs = e.Reminder
		}
		res.Messages = slices.Clone(msgs)
	}
	res.Terminal = res.Terminal || e.Terminal
	if res.Question == nil {
		res.Question = e.Question
	}
	res.ProfileUpdates = append(res.ProfileUpdates, evalProfileRules(e.Profile, req)...)
	return res, nil
}

func evalProfileRules(rules []ProfileRule, req Request) []models.ProfileUpdate {
	var out []models.ProfileUpdate
	for _, rule := range rules {
		var value any = req.Signal.Text
		if rule.Value != nil {
			v, ok := rule.Value(req)
			if !ok {
				continue
			}
			value = v
		}
		out = append(out, models.ProfileUpdate{
			Field:            rule.Field,
			Value:            value,
			Container:        rule.Container,
			SourceMessageSid: req.MessageSid,
		})
	}
	return out
}

func text(body string, buttons ...models.Button) models.OutboundContent {
	return models.OutboundContent{Body: body, Buttons: buttons}
}

// template references a provider template whose first variable carries body.
// The body doubles as the plain-text fallback.
func template(key, body string, buttons ...models.Button) models.OutboundContent {
	return models.OutboundContent{
		Body:              body,
		TemplateKey:       key,
		TemplateVariables: map[string]string{"1": body},
		Buttons:           buttons,
	}
}

func button(payload, label string) models.Button {
	return models.Button{Payload: payload, Label: label}
}

func question(number, content string) *Question {
	return &Question{Number: number, Content: content}
}

// asked is an entry that sends content and records it as a question.
func asked(number string, msg models.OutboundContent, rules ...ProfileRule) Entry {
	return Entry{Messages: []models.OutboundContent{msg}, Question: question(number, msg.Body), Profile: rules}
}

// say is an entry that sends messages without recording a question.
func say(msgs ...models.OutboundContent) Entry {
	return Entry{Messages: msgs}
}

// final is a terminal entry.
func final(msgs ...models.OutboundContent) Entry {
	return Entry{Messages: msgs, Terminal: true}
}

// saveAs saves the inbound body under field.
func saveAs(field string, container models.ContainerType) ProfileRule {
	return ProfileRule{Field: field, Container: container}
}

// literal saves a fixed value under field.
func literal(field string, value any) ProfileRule {
	return ProfileRule{Field: field, Container: models.ContainerRaw, Value: func(Request) (any, bool) { return value, true }}
}

// buttonPrefix returns the part of the button payload before the first "-".
func buttonPrefix(sig Signal) string {
	prefix, _, _ := strings.Cut(sig.ButtonPayload, "-")
	return prefix
}
