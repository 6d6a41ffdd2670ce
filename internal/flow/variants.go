package flow

import "github.com/BTreeMap/FlowPipe/internal/models"

// Built-in flow names.
const (
	FlowSurvey             = "survey"
	FlowSocialSurvey       = "fm-social-survey"
	FlowEnhamQuiz          = "enham-quiz-shelter-moneyhelper"
	FlowPARegister         = "enham-pa-register"
	FlowPADetailCheck      = "enham-pa-detail-check"
	FlowSignpostingAlix    = "signposting-alix"
	FlowSignpostingGolding = "signposting-golding"
	FlowEditDetails        = "edit-details"
)

// Enham service tracks.
const (
	ServiceAskQuestions = "ask_questions"
	ServiceTraining     = "training_and_quizzes"
	ServiceDocuments    = "documents_sign"
)

// Social survey attendance payloads.
const (
	AttendedGraduation = "graduation-event"
	AttendedSocial     = "end-of-year-social"
	AttendedBoth       = "end-of-year-social&&graduation-event"
	AttendedNeither    = "!end-of-year-social&&!graduation-event"
)

// PayloadRepeatQA sends an Enham Q&A user back to the question prompt.
const PayloadRepeatQA = "yes-enham_qa"

// DefaultVariants returns the rule tables of every built-in flow type.
func DefaultVariants() []*Variant {
	signpostingSteps := map[int]string{
		2: models.SelectionCategory,
		3: models.SelectionLocation,
	}
	return []*Variant{
		{
			Name:        FlowSurvey,
			Cancellable: true,
			SectionAdvance: SectionRule{
				NextSectionSuffix: true,
				At: []Position{
					{Section: 2, Step: 5},
					{Section: 3, Step: 5},
					{Section: 4, Step: 3},
					{Section: 5, Step: 4},
					{Section: 6, Step: 7},
				},
			},
			BulkCompletable: true,
		},
		{
			Name:        FlowSocialSurvey,
			Cancellable: true,
			Branch: &BranchTable{
				Values: map[int]map[string]int{
					3: {
						AttendedGraduation: 3,
						AttendedBoth:       3,
						AttendedSocial:     6,
						AttendedNeither:    10,
					},
				},
				Prefixes: map[int]map[string]int{
					4: {"no": 5},
				},
				Always: map[int]int{5: 6},
			},
			AnswerLabels: map[string]string{
				AttendedGraduation: "Graduation event",
				AttendedSocial:     "End of year social",
				AttendedBoth:       "Both",
				AttendedNeither:    "None",
			},
		},
		{
			Name:           FlowEnhamQuiz,
			ServiceOptions: []string{ServiceAskQuestions, ServiceTraining, ServiceDocuments},
			SectionAdvance: SectionRule{At: []Position{{Section: 1, Step: 2}}},
			RewindPayload:  PayloadRepeatQA,
		},
		{
			Name:           FlowPARegister,
			Cancellable:    true,
			SectionAdvance: SectionRule{NextSectionSuffix: true},
		},
		{
			Name:           FlowPADetailCheck,
			SectionAdvance: SectionRule{NextSectionSuffix: true},
		},
		{
			Name:           FlowSignpostingAlix,
			Paginated:      true,
			SelectionSteps: signpostingSteps,
		},
		{
			Name:           FlowSignpostingGolding,
			Paginated:      true,
			SelectionSteps: signpostingSteps,
		},
		{
			Name:       FlowEditDetails,
			DetailEdit: true,
			SelectionSteps: map[int]string{
				1: models.SelectionDetailField,
				2: models.SelectionDetailValue,
			},
		},
	}
}
