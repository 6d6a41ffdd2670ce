package models

import "time"

// FlowStatus is the lifecycle status of a flow instance in its history record.
type FlowStatus string

const (
	FlowStatusSent       FlowStatus = "sent"
	FlowStatusDelivered  FlowStatus = "delivered"
	FlowStatusRead       FlowStatus = "read"
	FlowStatusInProgress FlowStatus = "in_progress"
	FlowStatusCompleted  FlowStatus = "completed"
)

// IsValidFlowStatus reports whether s is one of the known statuses.
func IsValidFlowStatus(s FlowStatus) bool {
	switch s {
	case FlowStatusSent, FlowStatusDelivered, FlowStatusRead, FlowStatusInProgress, FlowStatusCompleted:
		return true
	}
	return false
}

// SurveyResponse is one question asked during a flow and, once answered, the reply.
type SurveyResponse struct {
	QuestionContent    string    `json:"question_content"`
	QuestionNumber     string    `json:"question_number"`
	UserResponse       string    `json:"user_response,omitempty"`
	OriginalMessageSid string    `json:"original_message_sid,omitempty"`
	Answered           bool      `json:"answered"`
	CreatedAt          time.Time `json:"created_at"`
}

// FlowHistoryRecord is the durable record of one flow instance. It outlives the FlowState.
type FlowHistoryRecord struct {
	TrackedFlowID       string           `json:"tracked_flow_id"`
	FlowName            string           `json:"flow_name"`
	ContactID           string           `json:"contact_id"`
	OrganizationID      string           `json:"organization_id"`
	Status              FlowStatus       `json:"status"`
	SurveyResponses     []SurveyResponse `json:"survey_responses,omitempty"`
	ClientSideTriggered bool             `json:"client_side_triggered"`
	IsReminder          bool             `json:"is_reminder"`
	ReminderSent        bool             `json:"reminder_sent"`
	CreatedAt           time.Time        `json:"created_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// LatestPendingQuestion returns the index of the most recently created question
// that has no answer yet, or -1.
func (r *FlowHistoryRecord) LatestPendingQuestion() int {
	idx := -1
	for i, q := range r.SurveyResponses {
		if q.Answered {
			continue
		}
		if idx == -1 || !q.CreatedAt.Before(r.SurveyResponses[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}
