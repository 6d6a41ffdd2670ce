package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	label             string
	rebind            func(string) string
	forUpdate         string
	isUniqueViolation func(error) bool
}

// sqlStore implements Store on database/sql. SQLiteStore and PostgresStore embed it.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.d.label + ".Close: closing database connection")
	return s.db.Close()
}

// --- StateStore ---

func (s *sqlStore) CreateFlowState(ctx context.Context, state models.FlowState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	selections, err := encodeJSON(state.Selections)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create flow state: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM flow_states WHERE user_id = ?`), state.UserID)
	if err != nil {
		slog.Error(s.d.label+".CreateFlowState: delete prior states failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("delete prior flow states for %s: %w", state.UserID, err)
	}
	removed, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO flow_states (`+flowStateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		state.TrackedFlowID, state.UserID, state.FlowName, state.FlowSection, state.FlowStep,
		selections, state.Cancelled, nullTime(state.StartedAt), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		if s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
			return fmt.Errorf("insert flow state for %s: %w", state.UserID, models.ErrDuplicateFlow)
		}
		slog.Error(s.d.label+".CreateFlowState: insert failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("insert flow state for %s: %w", state.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create flow state: %w", err)
	}
	slog.Debug(s.d.label+".CreateFlowState succeeded", "userID", state.UserID, "trackedFlowID", state.TrackedFlowID,
		"flowName", state.FlowName, "replaced", removed)
	return nil
}

func (s *sqlStore) GetFlowState(ctx context.Context, userID string) (*models.FlowState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+flowStateColumns+` FROM flow_states WHERE user_id = ? ORDER BY created_at ASC LIMIT 1`), userID)
	state, err := scanFlowState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.label+".GetFlowState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get flow state for %s: %w", userID, err)
	}
	return state, nil
}

func (s *sqlStore) AdvanceFlowState(ctx context.Context, trackedFlowID string, adv models.FlowAdvance) (*models.FlowState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin advance flow state: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+flowStateColumns+` FROM flow_states WHERE tracked_flow_id = ?`+s.d.forUpdate), trackedFlowID)
	state, err := scanFlowState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("advance flow state %s: %w", trackedFlowID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow state %s: %w", trackedFlowID, err)
	}

	state.Apply(adv, time.Now().UTC())
	selections, err := encodeJSON(state.Selections)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE flow_states SET flow_section = ?, flow_step = ?, selections = ?, cancelled = ?, started_at = ?, updated_at = ? WHERE tracked_flow_id = ?`),
		state.FlowSection, state.FlowStep, selections, state.Cancelled, nullTime(state.StartedAt), state.UpdatedAt, trackedFlowID)
	if err != nil {
		slog.Error(s.d.label+".AdvanceFlowState: update failed", "error", err, "trackedFlowID", trackedFlowID)
		return nil, fmt.Errorf("update flow state %s: %w", trackedFlowID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit advance flow state: %w", err)
	}
	slog.Debug(s.d.label+".AdvanceFlowState succeeded", "trackedFlowID", trackedFlowID,
		"section", state.FlowSection, "step", state.FlowStep)
	return state, nil
}

func (s *sqlStore) DeleteFlowState(ctx context.Context, trackedFlowID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flow_states WHERE tracked_flow_id = ?`), trackedFlowID)
	if err != nil {
		slog.Error(s.d.label+".DeleteFlowState failed", "error", err, "trackedFlowID", trackedFlowID)
		return fmt.Errorf("delete flow state %s: %w", trackedFlowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete flow state %s: %w", trackedFlowID, models.ErrNotFound)
	}
	slog.Debug(s.d.label+".DeleteFlowState succeeded", "trackedFlowID", trackedFlowID)
	return nil
}

func (s *sqlStore) DeleteUserFlowStates(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flow_states WHERE user_id = ?`), userID)
	if err != nil {
		slog.Error(s.d.label+".DeleteUserFlowStates failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("delete flow states for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- HistoryStore ---

func (s *sqlStore) CreateHistory(ctx context.Context, rec models.FlowHistoryRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	responses, err := encodeJSON(rec.SurveyResponses)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO flow_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TrackedFlowID, rec.FlowName, rec.ContactID, nilIfEmpty(rec.OrganizationID), string(rec.Status), responses,
		rec.ClientSideTriggered, rec.IsReminder, rec.ReminderSent, rec.CreatedAt, nullTime(rec.StartedAt), rec.UpdatedAt)
	if err != nil {
		slog.Error(s.d.label+".CreateHistory failed", "error", err, "trackedFlowID", rec.TrackedFlowID)
		return fmt.Errorf("insert flow history %s: %w", rec.TrackedFlowID, err)
	}
	slog.Debug(s.d.label+".CreateHistory succeeded", "trackedFlowID", rec.TrackedFlowID, "status", rec.Status)
	return nil
}

func (s *sqlStore) GetHistory(ctx context.Context, trackedFlowID string) (*models.FlowHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+historyColumns+` FROM flow_history WHERE tracked_flow_id = ?`), trackedFlowID)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get flow history %s: %w", trackedFlowID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow history %s: %w", trackedFlowID, err)
	}
	return rec, nil
}

func (s *sqlStore) SetHistoryStatus(ctx context.Context, trackedFlowID string, status models.FlowStatus, blocked []models.FlowStatus) (bool, error) {
	query := `UPDATE flow_history SET status = ?, updated_at = ? WHERE tracked_flow_id = ?`
	args := []any{string(status), time.Now().UTC(), trackedFlowID}
	if len(blocked) > 0 {
		query += ` AND status NOT IN (` + placeholders(len(blocked)) + `)`
		args = append(args, statusArgs(blocked)...)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.d.label+".SetHistoryStatus failed", "error", err, "trackedFlowID", trackedFlowID, "status", status)
		return false, fmt.Errorf("set flow history status %s: %w", trackedFlowID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM flow_history WHERE tracked_flow_id = ?`), trackedFlowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("set flow history status %s: %w", trackedFlowID, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check flow history %s: %w", trackedFlowID, err)
	}
	return false, nil
}

func (s *sqlStore) CompleteSiblingHistories(ctx context.Context, contactID, flowName string) (int, error) {
	args := []any{string(models.FlowStatusCompleted), time.Now().UTC(), contactID, flowName}
	args = append(args, statusArgs(unfinishedStatuses)...)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE flow_history SET status = ?, updated_at = ? WHERE contact_id = ? AND flow_name = ? AND status IN (`+placeholders(len(unfinishedStatuses))+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("complete sibling histories for %s/%s: %w", contactID, flowName, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) SetHistoryStartedAt(ctx context.Context, trackedFlowID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE flow_history SET started_at = ?, updated_at = ? WHERE tracked_flow_id = ? AND started_at IS NULL`),
		at, time.Now().UTC(), trackedFlowID)
	if err != nil {
		return fmt.Errorf("set flow history started_at %s: %w", trackedFlowID, err)
	}
	return nil
}

// mutateResponses runs fn over the survey responses of one record inside a transaction.
func (s *sqlStore) mutateResponses(ctx context.Context, trackedFlowID string, fn func([]models.SurveyResponse) ([]models.SurveyResponse, bool)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin survey response update: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT survey_responses FROM flow_history WHERE tracked_flow_id = ?`+s.d.forUpdate), trackedFlowID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("survey responses %s: %w", trackedFlowID, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("load survey responses %s: %w", trackedFlowID, err)
	}
	var responses []models.SurveyResponse
	if err := decodeJSON(raw, &responses); err != nil {
		return false, err
	}
	responses, changed := fn(responses)
	if !changed {
		return false, nil
	}
	encoded, err := encodeJSON(responses)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE flow_history SET survey_responses = ?, updated_at = ? WHERE tracked_flow_id = ?`),
		encoded, time.Now().UTC(), trackedFlowID); err != nil {
		return false, fmt.Errorf("update survey responses %s: %w", trackedFlowID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit survey responses %s: %w", trackedFlowID, err)
	}
	return true, nil
}

func (s *sqlStore) AppendSurveyQuestion(ctx context.Context, trackedFlowID string, q models.SurveyResponse) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := s.mutateResponses(ctx, trackedFlowID, func(rs []models.SurveyResponse) ([]models.SurveyResponse, bool) {
		return append(rs, q), true
	})
	return err
}

func (s *sqlStore) AnswerLatestQuestion(ctx context.Context, trackedFlowID, response, messageSid string) (bool, error) {
	return s.mutateResponses(ctx, trackedFlowID, func(rs []models.SurveyResponse) ([]models.SurveyResponse, bool) {
		rec := models.FlowHistoryRecord{SurveyResponses: rs}
		idx := rec.LatestPendingQuestion()
		if idx < 0 {
			return rs, false
		}
		rs[idx].UserResponse = response
		rs[idx].OriginalMessageSid = messageSid
		rs[idx].Answered = true
		return rs, true
	})
}

func (s *sqlStore) ListUnresponsiveHistories(ctx context.Context, before time.Time) ([]models.FlowHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+historyColumns+` FROM flow_history WHERE status IN (?, ?) AND is_reminder = ? AND reminder_sent = ? AND updated_at < ? ORDER BY updated_at ASC`),
		string(models.FlowStatusDelivered), string(models.FlowStatusRead), false, false, before)
	if err != nil {
		slog.Error(s.d.label+".ListUnresponsiveHistories query failed", "error", err)
		return nil, fmt.Errorf("query unresponsive histories: %w", err)
	}
	defer rows.Close()

	var out []models.FlowHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unresponsive history: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unresponsive histories: %w", err)
	}
	slog.Debug(s.d.label+".ListUnresponsiveHistories succeeded", "count", len(out))
	return out, nil
}

func (s *sqlStore) MarkReminderSent(ctx context.Context, trackedFlowID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE flow_history SET reminder_sent = ?, updated_at = ? WHERE tracked_flow_id = ?`),
		true, time.Now().UTC(), trackedFlowID)
	if err != nil {
		return fmt.Errorf("mark reminder sent %s: %w", trackedFlowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark reminder sent %s: %w", trackedFlowID, models.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) LinkMessage(ctx context.Context, messageSid, trackedFlowID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO flow_messages (message_sid, tracked_flow_id, created_at) VALUES (?, ?, ?) ON CONFLICT (message_sid) DO NOTHING`),
		messageSid, trackedFlowID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("link message %s: %w", messageSid, err)
	}
	return nil
}

func (s *sqlStore) FlowForMessage(ctx context.Context, messageSid string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tracked_flow_id FROM flow_messages WHERE message_sid = ?`), messageSid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("flow for message %s: %w", messageSid, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("flow for message %s: %w", messageSid, err)
	}
	return id, nil
}

// --- UserStore ---

func (s *sqlStore) ResolveUser(ctx context.Context, userID, orgID, profileName string) (*models.UserInfo, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users (id, organization_id, profile_name, opted_out, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		userID, nilIfEmpty(orgID), nilIfEmpty(profileName), false, now, now)
	if err != nil {
		slog.Error(s.d.label+".ResolveUser insert failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

func (s *sqlStore) GetUser(ctx context.Context, userID string) (*models.UserInfo, error) {
	var u models.UserInfo
	var orgID, profileName, profile sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, organization_id, profile_name, opted_out, profile, created_at, updated_at FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &orgID, &profileName, &u.OptedOut, &profile, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	u.OrganizationID = orgID.String
	u.ProfileName = profileName.String
	if err := decodeJSON(profile, &u.Profile); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqlStore) UpdateProfile(ctx context.Context, userID string, updates []models.ProfileUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile update: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT profile FROM users WHERE id = ?`+s.d.forUpdate), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update profile %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load profile %s: %w", userID, err)
	}
	var profile map[string]any
	if err := decodeJSON(raw, &profile); err != nil {
		return err
	}
	now := time.Now().UTC()
	encoded, err := encodeJSON(models.ApplyProfileUpdates(profile, updates, now))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE users SET profile = ?, updated_at = ? WHERE id = ?`), encoded, now, userID); err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile update %s: %w", userID, err)
	}
	slog.Debug(s.d.label+".UpdateProfile succeeded", "userID", userID, "fields", len(updates))
	return nil
}

func (s *sqlStore) SetOptOut(ctx context.Context, userID string, optedOut bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET opted_out = ?, updated_at = ? WHERE id = ?`), optedOut, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set opt-out %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set opt-out %s: %w", userID, models.ErrNotFound)
	}
	return nil
}

// --- DedupRepo ---

func (s *sqlStore) RecordInbound(ctx context.Context, messageSid, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO inbound_dedup (message_sid, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_sid) DO NOTHING`),
		messageSid, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageSid string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_sid = ?`), time.Now().UTC(), messageSid)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(ctx context.Context, messageSid string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE message_sid = ? AND processed_at IS NULL`), messageSid)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
