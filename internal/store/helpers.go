package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeJSON marshals v for a nullable JSON column. Empty maps and slices become NULL.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.SurveyResponse:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

const flowStateColumns = `tracked_flow_id, user_id, flow_name, flow_section, flow_step, selections, cancelled, started_at, created_at, updated_at`

func scanFlowState(row rowScanner) (*models.FlowState, error) {
	var s models.FlowState
	var selections sql.NullString
	var startedAt sql.NullTime
	if err := row.Scan(&s.TrackedFlowID, &s.UserID, &s.FlowName, &s.FlowSection, &s.FlowStep,
		&selections, &s.Cancelled, &startedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(selections, &s.Selections); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		s.StartedAt = &t
	}
	return &s, nil
}

const historyColumns = `tracked_flow_id, flow_name, contact_id, organization_id, status, survey_responses, client_side_triggered, is_reminder, reminder_sent, created_at, started_at, updated_at`

func scanHistory(row rowScanner) (*models.FlowHistoryRecord, error) {
	var r models.FlowHistoryRecord
	var orgID, responses sql.NullString
	var startedAt sql.NullTime
	var status string
	if err := row.Scan(&r.TrackedFlowID, &r.FlowName, &r.ContactID, &orgID, &status, &responses,
		&r.ClientSideTriggered, &r.IsReminder, &r.ReminderSent, &r.CreatedAt, &startedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.FlowStatus(status)
	r.OrganizationID = orgID.String
	if err := decodeJSON(responses, &r.SurveyResponses); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	return &r, nil
}

// statusArgs converts statuses into query arguments.
func statusArgs(statuses []models.FlowStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebindDollar rewrites ? markers into $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
