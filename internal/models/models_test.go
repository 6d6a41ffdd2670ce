package models

import (
	"testing"
	"time"
)

func TestFlowStateApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &FlowState{FlowSection: 1, FlowStep: 1, Selections: map[string]string{"page": "2"}}

	s.Apply(FlowAdvance{Section: 1, Step: 2, SelectionPatch: map[string]string{"category": "Housing"}, MarkStarted: true}, now)
	if s.FlowStep != 2 || s.FlowSection != 1 {
		t.Fatalf("unexpected position (%d,%d)", s.FlowSection, s.FlowStep)
	}
	if s.Selection("category") != "Housing" || s.Selection("page") != "2" {
		t.Errorf("selection patch not merged: %+v", s.Selections)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(now) {
		t.Fatalf("expected StartedAt to be stamped")
	}

	later := now.Add(time.Hour)
	s.Apply(FlowAdvance{Section: 1, Step: 1, ClearSelections: true, MarkStarted: true}, later)
	if len(s.Selections) != 0 {
		t.Errorf("expected selections cleared, got %+v", s.Selections)
	}
	if !s.StartedAt.Equal(now) {
		t.Errorf("StartedAt must only be stamped once, got %v", s.StartedAt)
	}
}

func TestFlowStatePage(t *testing.T) {
	var s *FlowState
	if s.Page() != 1 {
		t.Errorf("nil state should default to page 1")
	}
	s = &FlowState{Selections: map[string]string{SelectionPage: "3"}}
	if s.Page() != 3 {
		t.Errorf("expected page 3, got %d", s.Page())
	}
	s.Selections[SelectionPage] = "garbage"
	if s.Page() != 1 {
		t.Errorf("invalid page should default to 1, got %d", s.Page())
	}
}

func TestFlowStateCloneIsDeep(t *testing.T) {
	started := time.Now()
	s := &FlowState{Selections: map[string]string{"a": "1"}, StartedAt: &started}
	c := s.Clone()
	c.Selections["a"] = "2"
	if s.Selections["a"] != "1" {
		t.Error("clone shares selections map with original")
	}
	if c.StartedAt == s.StartedAt {
		t.Error("clone shares StartedAt pointer with original")
	}
}

func TestLatestPendingQuestion(t *testing.T) {
	base := time.Now()
	r := FlowHistoryRecord{SurveyResponses: []SurveyResponse{
		{QuestionNumber: "1A", CreatedAt: base, Answered: true},
		{QuestionNumber: "1C", CreatedAt: base.Add(2 * time.Second)},
		{QuestionNumber: "1B", CreatedAt: base.Add(time.Second)},
	}}
	if got := r.LatestPendingQuestion(); got != 1 {
		t.Errorf("expected index 1 (1C), got %d", got)
	}
	r.SurveyResponses[1].Answered = true
	r.SurveyResponses[2].Answered = true
	if got := r.LatestPendingQuestion(); got != -1 {
		t.Errorf("expected -1 when every question is answered, got %d", got)
	}
}

func TestApplyProfileUpdates(t *testing.T) {
	now := time.Now()
	profile := ApplyProfileUpdates(nil, []ProfileUpdate{
		{Field: "isAnon", Value: false, Container: ContainerRaw},
		{Field: "postcode", Value: "AB1 2CD", Container: ContainerObject, SourceMessageSid: "SM1"},
		{Field: "Language", Value: "Welsh", Container: ContainerArray, SourceMessageSid: "SM2"},
	}, now)
	profile = ApplyProfileUpdates(profile, []ProfileUpdate{
		{Field: "Language", Value: "English", Container: ContainerArray, SourceMessageSid: "SM3"},
	}, now)

	if profile["isAnon"] != false {
		t.Errorf("raw value not stored: %v", profile["isAnon"])
	}
	pv, ok := profile["postcode"].(ProfileValue)
	if !ok || pv.Value != "AB1 2CD" || pv.OriginalMessageSid != "SM1" || pv.LastUpdatedAt == nil {
		t.Errorf("object value not stored with metadata: %#v", profile["postcode"])
	}
	langs, ok := profile["Language"].([]ProfileValue)
	if !ok || len(langs) != 2 || langs[1].Value != "English" {
		t.Errorf("array value not appended: %#v", profile["Language"])
	}
}

func TestIsValidFlowStatus(t *testing.T) {
	for _, s := range []FlowStatus{FlowStatusSent, FlowStatusDelivered, FlowStatusRead, FlowStatusInProgress, FlowStatusCompleted} {
		if !IsValidFlowStatus(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if IsValidFlowStatus("queued") {
		t.Error("queued is not a flow status")
	}
}
