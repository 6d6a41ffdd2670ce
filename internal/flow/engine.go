// Package flow implements the conversational flow state machine: the
// per-flow-type transition rules, the content resolver, the completion ledger
// and the dispatcher that drives one inbound turn end to end.
package flow

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Reserved inbound tokens recognised by the transition rules.
const (
	PayloadCancel      = "cancel-survey"
	TokenSeeMore       = "See More Options"
	TokenFinished      = "That's great, thanks"
	TokenEditAnother   = "Yes"
	TokenEditDone      = "No thanks"
	nextSectionMessage = "next_section"
)

// Signal is one inbound turn. Text is the message body (the button label when a
// button was tapped); ButtonPayload is the machine token of the tapped button.
type Signal struct {
	Text          string
	ButtonPayload string
}

// Position addresses one step of a flow.
type Position struct {
	Section int
	Step    int
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Section, p.Step)
}

// Transition is the outcome of applying one inbound signal to a flow state.
type Transition struct {
	Section         int
	Step            int
	SelectionPatch  map[string]string
	ClearSelections bool
	Cancelled       bool
	// EndFlow asks the resolver for the flow's closing message. It is not persisted.
	EndFlow         bool
	SectionAdvanced bool
	Paginated       bool
}

// Position returns the position the transition lands on.
func (t Transition) Position() Position {
	return Position{Section: t.Section, Step: t.Step}
}

// Advance converts the transition into a store update. StartedAt is stamped when
// the flow first lands on section 1 step 2.
func (t Transition) Advance() models.FlowAdvance {
	return models.FlowAdvance{
		Section:         t.Section,
		Step:            t.Step,
		SelectionPatch:  t.SelectionPatch,
		ClearSelections: t.ClearSelections,
		Cancelled:       t.Cancelled,
		MarkStarted:     t.Section == 1 && t.Step == 2,
	}
}

// Engine routes a flow state to the Variant registered for its flow name.
type Engine struct {
	variants map[string]*Variant
}

// NewEngine builds an engine from the given variants. A later variant with the
// same name replaces an earlier one.
func NewEngine(variants ...*Variant) *Engine {
	e := &Engine{variants: make(map[string]*Variant, len(variants))}
	for _, v := range variants {
		e.Register(v)
	}
	return e
}

// NewDefaultEngine returns an engine with every built-in flow type registered.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultVariants()...)
}

// Register adds or replaces the variant for v.Name.
func (e *Engine) Register(v *Variant) {
	slog.Debug("Engine.Register: registering flow variant", "flowName", v.Name)
	e.variants[v.Name] = v
}

// Variant returns the rules registered for flowName.
func (e *Engine) Variant(flowName string) (*Variant, bool) {
	v, ok := e.variants[flowName]
	return v, ok
}

// Names lists the registered flow names in sorted order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.variants))
	for name := range e.variants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Next computes the transition for one inbound signal. It performs no I/O.
func (e *Engine) Next(state *models.FlowState, sig Signal) (Transition, error) {
	v, ok := e.variants[state.FlowName]
	if !ok {
		return Transition{}, fmt.Errorf("next step for %q: %w", state.FlowName, models.ErrUnknownFlow)
	}
	return v.Next(state, sig), nil
}

// Variant is the rule table of one flow type. Every field is data; the
// evaluation order lives in Next and is shared by all flow types.
type Variant struct {
	Name string
	// Cancellable flows end on the cancel-survey button.
	Cancellable bool
	// Paginated flows hold the step on the pagination tokens.
	Paginated bool
	// DetailEdit flows restart on "Yes" and end on "No thanks".
	DetailEdit bool
	// SelectionSteps maps the current step to the selection key its answer is stored under.
	SelectionSteps map[int]string
	// ServiceOptions are button payloads stored as the service selection.
	ServiceOptions []string
	// SectionAdvance decides when the flow moves to the next section.
	SectionAdvance SectionRule
	// RewindPayload moves the flow back one step.
	RewindPayload string
	// Branch replaces the default next step on skip-logic flows.
	Branch *BranchTable
	// BulkCompletable flows complete every sibling history record on completion.
	BulkCompletable bool
	// AnswerLabels rewrites a button payload before it is recorded as an answer.
	AnswerLabels map[string]string
}

// SectionRule is a section-advance predicate over the stored position and the button payload.
type SectionRule struct {
	// NextSectionSuffix advances on payloads of the form "<choice>-next_section".
	NextSectionSuffix bool
	// At lists the stored positions that always advance.
	At []Position
}

// Holds reports whether the rule advances the section from pos.
func (r SectionRule) Holds(pos Position, payload string) bool {
	if r.NextSectionSuffix && hasNextSectionToken(payload) {
		return true
	}
	return slices.Contains(r.At, pos)
}

func hasNextSectionToken(payload string) bool {
	parts := strings.Split(payload, "-")
	return len(parts) > 1 && parts[1] == nextSectionMessage
}

// BranchTable maps a candidate step (the default step+1) to a replacement step.
type BranchTable struct {
	// Values are matched against the body first and then the button payload.
	Values map[int]map[string]int
	// Prefixes are matched against the button payload up to the first "-".
	Prefixes map[int]map[string]int
	// Always replaces the candidate unconditionally.
	Always map[int]int
}

// Route returns the step to land on for a candidate step.
func (b *BranchTable) Route(candidate int, sig Signal) int {
	if to, ok := b.Values[candidate][sig.Text]; ok {
		return to
	}
	if to, ok := b.Values[candidate][sig.ButtonPayload]; ok {
		return to
	}
	if sig.ButtonPayload != "" {
		prefix, _, _ := strings.Cut(sig.ButtonPayload, "-")
		if to, ok := b.Prefixes[candidate][prefix]; ok {
			return to
		}
	}
	if to, ok := b.Always[candidate]; ok {
		return to
	}
	return candidate
}

// Targets lists every step the table can jump to.
func (b *BranchTable) Targets() []int {
	var out []int
	for _, m := range b.Values {
		for _, to := range m {
			out = append(out, to)
		}
	}
	for _, m := range b.Prefixes {
		for _, to := range m {
			out = append(out, to)
		}
	}
	for _, to := range b.Always {
		out = append(out, to)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Next applies the rule table to one inbound signal.
func (v *Variant) Next(state *models.FlowState, sig Signal) Transition {
	pos := Position{Section: state.FlowSection, Step: state.FlowStep}
	t := Transition{Section: pos.Section, Step: pos.Step}

	if v.Cancellable && sig.ButtonPayload == PayloadCancel {
		t.Cancelled = true
		return t
	}

	if v.Paginated {
		switch sig.Text {
		case TokenSeeMore:
			t.Paginated = true
			t.SelectionPatch = map[string]string{models.SelectionPage: strconv.Itoa(state.Page() + 1)}
			return t
		case TokenFinished:
			t.EndFlow = true
			return t
		}
	}

	if v.DetailEdit {
		switch sig.Text {
		case TokenEditAnother:
			t.Step = 1
			t.ClearSelections = true
			return t
		case TokenEditDone:
			t.EndFlow = true
			return t
		}
	}

	patch := make(map[string]string)
	if field, ok := v.SelectionSteps[pos.Step]; ok {
		patch[field] = sig.Text
	}
	if sig.ButtonPayload != "" && slices.Contains(v.ServiceOptions, sig.ButtonPayload) {
		patch[models.SelectionServiceSelection] = sig.ButtonPayload
	}
	if len(patch) > 0 {
		t.SelectionPatch = patch
	}

	if v.SectionAdvance.Holds(pos, sig.ButtonPayload) {
		t.Section = pos.Section + 1
		t.Step = 1
		t.SectionAdvanced = true
		return t
	}

	if v.RewindPayload != "" && sig.ButtonPayload == v.RewindPayload {
		t.Step = max(pos.Step-1, 1)
		return t
	}

	t.Step = pos.Step + 1
	if v.Branch != nil {
		t.Step = v.Branch.Route(t.Step, sig)
	}
	return t
}

// FormatAnswer returns the text recorded as the user's answer for sig.
func (v *Variant) FormatAnswer(sig Signal) string {
	if label, ok := v.AnswerLabels[sig.ButtonPayload]; ok {
		return label
	}
	return sig.Text
}
