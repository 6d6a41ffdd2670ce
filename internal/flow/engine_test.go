package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func stateAt(flowName string, section, step int, selections map[string]string) *models.FlowState {
	return &models.FlowState{FlowName: flowName, FlowSection: section, FlowStep: step, Selections: selections}
}

func mustNext(t *testing.T, e *Engine, s *models.FlowState, sig Signal) Transition {
	t.Helper()
	tr, err := e.Next(s, sig)
	if err != nil {
		t.Fatalf("Next(%s %d,%d): %v", s.FlowName, s.FlowSection, s.FlowStep, err)
	}
	return tr
}

func TestDefaultStepIncrementsForEveryFlowType(t *testing.T) {
	e := NewDefaultEngine()
	cases := []struct {
		flow    string
		section int
		step    int
	}{
		{FlowSurvey, 2, 2},
		{FlowSurvey, 7, 4},
		{FlowSocialSurvey, 1, 6},
		{FlowEnhamQuiz, 2, 3},
		{FlowPARegister, 1, 2},
		{FlowPADetailCheck, 1, 2},
		{FlowSignpostingAlix, 1, 1},
		{FlowSignpostingGolding, 1, 3},
		{FlowEditDetails, 1, 2},
	}
	for _, tc := range cases {
		t.Run(tc.flow, func(t *testing.T) {
			tr := mustNext(t, e, stateAt(tc.flow, tc.section, tc.step, nil), Signal{Text: "some answer"})
			if tr.Section != tc.section || tr.Step != tc.step+1 {
				t.Errorf("expected (%d,%d), got %s", tc.section, tc.step+1, tr.Position())
			}
			if tr.SectionAdvanced || tr.Cancelled || tr.EndFlow || tr.Paginated {
				t.Errorf("unexpected flags on a default transition: %+v", tr)
			}
		})
	}
}

func TestEngineRegisteredNames(t *testing.T) {
	names := NewDefaultEngine().Names()
	if len(names) != 8 {
		t.Fatalf("expected 8 flow types, got %v", names)
	}
}

func TestUnknownFlow(t *testing.T) {
	_, err := NewDefaultEngine().Next(stateAt("no-such-flow", 1, 1, nil), Signal{Text: "hi"})
	if !errors.Is(err, models.ErrUnknownFlow) {
		t.Fatalf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestSurveySectionAdvance(t *testing.T) {
	e := NewDefaultEngine()

	tr := mustNext(t, e, stateAt(FlowSurvey, 2, 5, nil), Signal{Text: "Yes", ButtonPayload: "yes-anything"})
	if tr.Position() != (Position{Section: 3, Step: 1}) || !tr.SectionAdvanced {
		t.Errorf("(2,5) with any button should advance to (3,1), got %s", tr.Position())
	}

	tr = mustNext(t, e, stateAt(FlowSurvey, 2, 4, nil), Signal{Text: "Yes", ButtonPayload: "yes-2d"})
	if tr.Section != 2 || tr.Step != 5 {
		t.Errorf("(2,4) with a non-qualifying button must stay in section 2, got %s", tr.Position())
	}

	tr = mustNext(t, e, stateAt(FlowSurvey, 1, 4, nil), Signal{Text: "Yes", ButtonPayload: "followup-next_section"})
	if tr.Position() != (Position{Section: 2, Step: 1}) {
		t.Errorf("next_section payload should advance to (2,1), got %s", tr.Position())
	}

	for _, p := range []Position{{3, 5}, {4, 3}, {5, 4}, {6, 7}} {
		tr = mustNext(t, e, stateAt(FlowSurvey, p.Section, p.Step, nil), Signal{Text: "free text"})
		if tr.Position() != (Position{Section: p.Section + 1, Step: 1}) {
			t.Errorf("%s should advance the section, got %s", p, tr.Position())
		}
	}
}

func TestNextSectionToken(t *testing.T) {
	cases := map[string]bool{
		"followup-next_section":   true,
		"a-next_section-b":        true,
		"next_section":            false,
		"next_section-followup":   false,
		"":                        false,
		"monthly-next_section_ok": false,
	}
	for payload, want := range cases {
		if got := hasNextSectionToken(payload); got != want {
			t.Errorf("hasNextSectionToken(%q) = %v, want %v", payload, got, want)
		}
	}
}

func TestCancellation(t *testing.T) {
	e := NewDefaultEngine()
	for _, flowName := range []string{FlowSurvey, FlowSocialSurvey, FlowPARegister} {
		tr := mustNext(t, e, stateAt(flowName, 1, 1, nil), Signal{Text: "Not right now", ButtonPayload: PayloadCancel})
		if !tr.Cancelled || tr.Position() != (Position{Section: 1, Step: 1}) {
			t.Errorf("%s: expected cancellation at (1,1), got %+v", flowName, tr)
		}
	}

	tr := mustNext(t, e, stateAt(FlowSignpostingAlix, 1, 1, nil), Signal{ButtonPayload: PayloadCancel})
	if tr.Cancelled {
		t.Error("signposting does not declare cancellation")
	}
}

func TestSocialSurveyBranches(t *testing.T) {
	e := NewDefaultEngine()
	cases := []struct {
		name string
		step int
		sig  Signal
		want int
	}{
		{"graduation by body", 2, Signal{Text: AttendedGraduation}, 3},
		{"graduation by payload", 2, Signal{Text: "Graduation event", ButtonPayload: AttendedGraduation}, 3},
		{"both", 2, Signal{Text: "Both", ButtonPayload: AttendedBoth}, 3},
		{"social only", 2, Signal{Text: "End of year social", ButtonPayload: AttendedSocial}, 6},
		{"neither", 2, Signal{Text: "Neither", ButtonPayload: AttendedNeither}, 10},
		{"no table entry falls through", 2, Signal{Text: "maybe"}, 3},
		{"not a graduate skips accomplishment", 3, Signal{Text: "No", ButtonPayload: "no-graduate"}, 5},
		{"graduate", 3, Signal{Text: "Yes", ButtonPayload: "yes-graduate"}, 4},
		{"graduate free text", 3, Signal{Text: "no"}, 4},
		{"accomplishment skips motivation", 4, Signal{Text: "Yes", ButtonPayload: "yes-accomplishment"}, 6},
		{"motivation", 5, Signal{Text: "Yes"}, 6},
		{"enjoy", 7, Signal{Text: "the food"}, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := mustNext(t, e, stateAt(FlowSocialSurvey, 1, tc.step, nil), tc.sig)
			if tr.Section != 1 || tr.Step != tc.want {
				t.Errorf("expected (1,%d), got %s", tc.want, tr.Position())
			}
		})
	}
}

func TestSocialSurveyAnswerLabels(t *testing.T) {
	v, _ := NewDefaultEngine().Variant(FlowSocialSurvey)
	if got := v.FormatAnswer(Signal{Text: "Both", ButtonPayload: AttendedBoth}); got != "Both" {
		t.Errorf("expected Both, got %q", got)
	}
	if got := v.FormatAnswer(Signal{ButtonPayload: AttendedNeither}); got != "None" {
		t.Errorf("expected None, got %q", got)
	}
	if got := v.FormatAnswer(Signal{Text: "It was fun"}); got != "It was fun" {
		t.Errorf("free text must be recorded as-is, got %q", got)
	}
}

// The Q&A rewind deliberately moves the user back one step so they can ask again.
func TestEnhamRewindIsPreserved(t *testing.T) {
	e := NewDefaultEngine()
	sel := map[string]string{models.SelectionServiceSelection: ServiceAskQuestions}

	tr := mustNext(t, e, stateAt(FlowEnhamQuiz, 2, 2, sel), Signal{Text: "Yes", ButtonPayload: PayloadRepeatQA})
	if tr.Position() != (Position{Section: 2, Step: 1}) {
		t.Errorf("rewind should land on (2,1), got %s", tr.Position())
	}

	tr = mustNext(t, e, stateAt(FlowEnhamQuiz, 1, 1, nil), Signal{Text: "Ask a question", ButtonPayload: PayloadRepeatQA})
	if tr.Step != 1 {
		t.Errorf("rewind must not go below step 1, got %s", tr.Position())
	}

	// The end of the briefing section advances even on the rewind button.
	tr = mustNext(t, e, stateAt(FlowEnhamQuiz, 1, 2, sel), Signal{Text: "Yes", ButtonPayload: PayloadRepeatQA})
	if tr.Position() != (Position{Section: 2, Step: 1}) || !tr.SectionAdvanced {
		t.Errorf("section advance takes precedence over rewind, got %s", tr.Position())
	}
}

func TestEnhamServiceCaptureAndSectionAdvance(t *testing.T) {
	e := NewDefaultEngine()

	tr := mustNext(t, e, stateAt(FlowEnhamQuiz, 1, 1, nil), Signal{Text: "Training & quizzes", ButtonPayload: ServiceTraining})
	if tr.SelectionPatch[models.SelectionServiceSelection] != ServiceTraining {
		t.Errorf("service selection not captured: %+v", tr.SelectionPatch)
	}
	if tr.Position() != (Position{Section: 1, Step: 2}) {
		t.Errorf("expected (1,2), got %s", tr.Position())
	}

	tr = mustNext(t, e, stateAt(FlowEnhamQuiz, 1, 1, nil), Signal{Text: "hello", ButtonPayload: "something-else"})
	if _, ok := tr.SelectionPatch[models.SelectionServiceSelection]; ok {
		t.Error("unknown payloads must not be stored as the service selection")
	}

	tr = mustNext(t, e, stateAt(FlowEnhamQuiz, 1, 2, nil), Signal{Text: "Start", ButtonPayload: "start-enham"})
	if tr.Position() != (Position{Section: 2, Step: 1}) || !tr.SectionAdvanced {
		t.Errorf("(1,2) should advance to (2,1), got %s", tr.Position())
	}
}

// Pagination deliberately holds the step and counts pages instead.
func TestSignpostingPaginationHoldsStep(t *testing.T) {
	e := NewDefaultEngine()

	tr := mustNext(t, e, stateAt(FlowSignpostingAlix, 1, 4, nil), Signal{Text: TokenSeeMore, ButtonPayload: "see-more"})
	if tr.Step != 4 || !tr.Paginated || tr.SelectionPatch[models.SelectionPage] != "2" {
		t.Errorf("expected held step with page 2, got %+v", tr)
	}

	tr = mustNext(t, e, stateAt(FlowSignpostingAlix, 1, 4, map[string]string{models.SelectionPage: "2"}), Signal{Text: TokenSeeMore})
	if tr.SelectionPatch[models.SelectionPage] != "3" {
		t.Errorf("expected page 3, got %+v", tr.SelectionPatch)
	}

	tr = mustNext(t, e, stateAt(FlowSignpostingGolding, 1, 4, nil), Signal{Text: TokenFinished})
	if !tr.EndFlow || tr.Step != 4 {
		t.Errorf("expected EndFlow at a held step, got %+v", tr)
	}
}

func TestSignpostingSelectionCapture(t *testing.T) {
	e := NewDefaultEngine()

	tr := mustNext(t, e, stateAt(FlowSignpostingAlix, 1, 2, nil), Signal{Text: "Astrology"})
	if tr.SelectionPatch[models.SelectionCategory] != "Astrology" {
		t.Errorf("category must be captured unvalidated, got %+v", tr.SelectionPatch)
	}
	tr = mustNext(t, e, stateAt(FlowSignpostingAlix, 1, 3, nil), Signal{Text: "Local only", ButtonPayload: "local"})
	if tr.SelectionPatch[models.SelectionLocation] != "Local only" || tr.Step != 4 {
		t.Errorf("location not captured: %+v", tr)
	}
}

func TestEditDetailsControlTokens(t *testing.T) {
	e := NewDefaultEngine()
	sel := map[string]string{models.SelectionDetailField: "Postcode", models.SelectionDetailValue: "AB1 2CD"}

	tr := mustNext(t, e, stateAt(FlowEditDetails, 1, 3, sel), Signal{Text: TokenEditAnother, ButtonPayload: "yes-edit"})
	if tr.Step != 1 || !tr.ClearSelections {
		t.Errorf("Yes should restart at step 1 with cleared selections, got %+v", tr)
	}

	tr = mustNext(t, e, stateAt(FlowEditDetails, 1, 3, sel), Signal{Text: TokenEditDone, ButtonPayload: "no-edit"})
	if !tr.EndFlow {
		t.Errorf("No thanks should end the flow, got %+v", tr)
	}

	tr = mustNext(t, e, stateAt(FlowEditDetails, 1, 1, nil), Signal{Text: "Email address", ButtonPayload: "email"})
	if tr.SelectionPatch[models.SelectionDetailField] != "Email address" {
		t.Errorf("detail field not captured: %+v", tr.SelectionPatch)
	}
}

func TestTransitionAdvance(t *testing.T) {
	tr := Transition{Section: 1, Step: 2, SelectionPatch: map[string]string{"k": "v"}}
	adv := tr.Advance()
	if !adv.MarkStarted {
		t.Error("landing on (1,2) must stamp startedAt")
	}
	if (Transition{Section: 2, Step: 2}).Advance().MarkStarted {
		t.Error("only (1,2) stamps startedAt")
	}
}
