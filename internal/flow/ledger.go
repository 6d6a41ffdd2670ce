package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Ledger records the lifecycle of flow instances in their history records.
// Status writes are guarded so that late delivery callbacks never downgrade a
// record the user has already replied to.
type Ledger struct {
	history store.HistoryStore
	bulk    map[string]bool
}

// NewLedger creates a ledger. Completing a record of a bulkFlows flow type
// also completes its unfinished siblings for the same contact.
func NewLedger(history store.HistoryStore, bulkFlows ...string) *Ledger {
	l := &Ledger{history: history, bulk: make(map[string]bool, len(bulkFlows))}
	for _, name := range bulkFlows {
		l.bulk[name] = true
	}
	return l
}

// NewLedgerForEngine creates a ledger whose bulk-completable flow types are
// taken from the engine's variants.
func NewLedgerForEngine(history store.HistoryStore, engine *Engine) *Ledger {
	var bulk []string
	for _, name := range engine.Names() {
		if v, _ := engine.Variant(name); v.BulkCompletable {
			bulk = append(bulk, name)
		}
	}
	return NewLedger(history, bulk...)
}

// blockedBy returns the statuses that prevent a write of status.
func blockedBy(status models.FlowStatus) []models.FlowStatus {
	switch status {
	case models.FlowStatusCompleted:
		return nil
	case models.FlowStatusInProgress:
		return []models.FlowStatus{models.FlowStatusCompleted}
	case models.FlowStatusDelivered:
		return []models.FlowStatus{models.FlowStatusInProgress, models.FlowStatusRead, models.FlowStatusCompleted}
	default:
		return []models.FlowStatus{models.FlowStatusInProgress, models.FlowStatusCompleted}
	}
}

// IsBulkCompletable reports whether completing flowName fans out to siblings.
func (l *Ledger) IsBulkCompletable(flowName string) bool {
	return l.bulk[flowName]
}

// Open creates the history record of a new flow instance with status sent.
func (l *Ledger) Open(ctx context.Context, rec models.FlowHistoryRecord) error {
	rec.Status = models.FlowStatusSent
	if err := l.history.CreateHistory(ctx, rec); err != nil {
		return fmt.Errorf("open history %s: %w", rec.TrackedFlowID, err)
	}
	return nil
}

// MarkStatus writes status unless the record has already moved past it. It
// reports whether the write was applied.
func (l *Ledger) MarkStatus(ctx context.Context, trackedFlowID string, status models.FlowStatus) (bool, error) {
	if !models.IsValidFlowStatus(status) {
		return false, fmt.Errorf("mark status %q: invalid status", status)
	}
	if status == models.FlowStatusCompleted {
		return true, l.MarkCompleted(ctx, trackedFlowID)
	}
	applied, err := l.history.SetHistoryStatus(ctx, trackedFlowID, status, blockedBy(status))
	if err != nil {
		return false, fmt.Errorf("mark %s %s: %w", trackedFlowID, status, err)
	}
	if !applied {
		slog.Debug("Ledger.MarkStatus: status write blocked", "trackedFlowID", trackedFlowID, "status", status)
	}
	return applied, nil
}

// MarkCompleted completes a record and, for bulk-completable flow types, every
// unfinished record sharing its contact and flow name.
func (l *Ledger) MarkCompleted(ctx context.Context, trackedFlowID string) error {
	if _, err := l.history.SetHistoryStatus(ctx, trackedFlowID, models.FlowStatusCompleted, nil); err != nil {
		return fmt.Errorf("complete %s: %w", trackedFlowID, err)
	}
	rec, err := l.history.GetHistory(ctx, trackedFlowID)
	if err != nil {
		return fmt.Errorf("load completed history %s: %w", trackedFlowID, err)
	}
	if !l.bulk[rec.FlowName] {
		return nil
	}
	n, err := l.history.CompleteSiblingHistories(ctx, rec.ContactID, rec.FlowName)
	if err != nil {
		return fmt.Errorf("complete siblings of %s: %w", trackedFlowID, err)
	}
	slog.Debug("Ledger.MarkCompleted: completed sibling histories", "trackedFlowID", trackedFlowID, "flowName", rec.FlowName, "count", n)
	return nil
}

// RecordStartedAt stamps the moment the user first engaged with the flow.
func (l *Ledger) RecordStartedAt(ctx context.Context, trackedFlowID string, at time.Time) error {
	if err := l.history.SetHistoryStartedAt(ctx, trackedFlowID, at); err != nil {
		return fmt.Errorf("record started at for %s: %w", trackedFlowID, err)
	}
	return nil
}

// AppendQuestion records a question as pending.
func (l *Ledger) AppendQuestion(ctx context.Context, trackedFlowID string, q Question, at time.Time) error {
	err := l.history.AppendSurveyQuestion(ctx, trackedFlowID, models.SurveyResponse{
		QuestionContent: q.Content,
		QuestionNumber:  q.Number,
		CreatedAt:       at,
	})
	if err != nil {
		return fmt.Errorf("append question %s to %s: %w", q.Number, trackedFlowID, err)
	}
	return nil
}

// AttachResponse fills the most recent pending question with the user's answer.
// It reports whether a pending question existed.
func (l *Ledger) AttachResponse(ctx context.Context, trackedFlowID, response, messageSid string) (bool, error) {
	ok, err := l.history.AnswerLatestQuestion(ctx, trackedFlowID, response, messageSid)
	if err != nil {
		return false, fmt.Errorf("attach response to %s: %w", trackedFlowID, err)
	}
	return ok, nil
}

// LinkMessages associates outbound message SIDs with a flow instance.
func (l *Ledger) LinkMessages(ctx context.Context, trackedFlowID string, sids []string) error {
	for _, sid := range sids {
		if sid == "" {
			continue
		}
		if err := l.history.LinkMessage(ctx, sid, trackedFlowID); err != nil {
			return fmt.Errorf("link message %s to %s: %w", sid, trackedFlowID, err)
		}
	}
	return nil
}

// FlowForMessage returns the flow instance an outbound message belongs to.
func (l *Ledger) FlowForMessage(ctx context.Context, messageSid string) (string, error) {
	return l.history.FlowForMessage(ctx, messageSid)
}

// History returns the record of a flow instance.
func (l *Ledger) History(ctx context.Context, trackedFlowID string) (*models.FlowHistoryRecord, error) {
	return l.history.GetHistory(ctx, trackedFlowID)
}

// ListUnresponsive returns reminder candidates: first sends that were delivered
// or read, never reminded, and untouched for olderThan.
func (l *Ledger) ListUnresponsive(ctx context.Context, olderThan time.Duration, now time.Time) ([]models.FlowHistoryRecord, error) {
	recs, err := l.history.ListUnresponsiveHistories(ctx, now.Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list unresponsive histories: %w", err)
	}
	return recs, nil
}

// MarkReminderSent flags a record so it is not reminded again.
func (l *Ledger) MarkReminderSent(ctx context.Context, trackedFlowID string) error {
	if err := l.history.MarkReminderSent(ctx, trackedFlowID); err != nil {
		return fmt.Errorf("mark reminder sent for %s: %w", trackedFlowID, err)
	}
	return nil
}
