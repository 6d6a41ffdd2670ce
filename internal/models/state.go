package models

import (
	"maps"
	"strconv"
	"time"
)

// Well-known selection keys written by the transition engine.
const (
	SelectionCategory         = "category"
	SelectionLocation         = "location"
	SelectionPage             = "page"
	SelectionServiceSelection = "serviceSelection"
	SelectionDetailField      = "detailField"
	SelectionDetailValue      = "detailValue"
)

// FlowState is the single active position of one user inside one flow.
type FlowState struct {
	TrackedFlowID string            `json:"tracked_flow_id"`
	UserID        string            `json:"user_id"`
	FlowName      string            `json:"flow_name"`
	FlowSection   int               `json:"flow_section"`
	FlowStep      int               `json:"flow_step"`
	Selections    map[string]string `json:"selections,omitempty"`
	Cancelled     bool              `json:"cancelled"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Selection returns the accumulated value for key, or "" if absent.
func (s *FlowState) Selection(key string) string {
	if s == nil || s.Selections == nil {
		return ""
	}
	return s.Selections[key]
}

// Page returns the signposting result page, defaulting to 1.
func (s *FlowState) Page() int {
	p, err := strconv.Atoi(s.Selection(SelectionPage))
	if err != nil || p < 1 {
		return 1
	}
	return p
}

// Clone returns a deep copy so callers can mutate it without aliasing store data.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Selections = maps.Clone(s.Selections)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// Apply folds an advance into the state in place, mirroring what stores persist.
func (s *FlowState) Apply(adv FlowAdvance, now time.Time) {
	s.FlowSection = adv.Section
	s.FlowStep = adv.Step
	if adv.ClearSelections {
		s.Selections = nil
	}
	if len(adv.SelectionPatch) > 0 {
		if s.Selections == nil {
			s.Selections = make(map[string]string, len(adv.SelectionPatch))
		}
		maps.Copy(s.Selections, adv.SelectionPatch)
	}
	if adv.Cancelled {
		s.Cancelled = true
	}
	if adv.MarkStarted && s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
	s.UpdatedAt = now
}

// FlowAdvance describes one position change of an active flow.
type FlowAdvance struct {
	Section         int
	Step            int
	SelectionPatch  map[string]string
	ClearSelections bool
	Cancelled       bool
	// MarkStarted stamps StartedAt if it is not already set.
	MarkStarted bool
}
