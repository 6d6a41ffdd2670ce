package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Reminder defaults.
const (
	DefaultReminderSchedule = "0 * * * *"
	DefaultReminderAfter    = 24 * time.Hour
)

// ReminderLedger lists first sends nobody answered and flags reminded ones.
type ReminderLedger interface {
	ListUnresponsive(ctx context.Context, olderThan time.Duration, now time.Time) ([]models.FlowHistoryRecord, error)
	MarkReminderSent(ctx context.Context, trackedFlowID string) error
}

// FlowStarter starts reminder flows and reports what users are doing now.
type FlowStarter interface {
	StartFlow(ctx context.Context, req flow.StartRequest) (flow.StartResult, error)
	GetActiveFlow(ctx context.Context, userID string) (*models.FlowState, error)
}

// ContactLookup reports opt-out status.
type ContactLookup interface {
	GetUser(ctx context.Context, userID string) (*models.UserInfo, error)
}

// ReminderJob re-sends a flow to contacts who received it but never answered.
type ReminderJob struct {
	ledger  ReminderLedger
	flows   FlowStarter
	users   ContactLookup
	after   time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// ReminderOption configures a ReminderJob.
type ReminderOption func(*ReminderJob)

// WithReminderAfter sets how long a flow must sit unanswered before a reminder.
func WithReminderAfter(d time.Duration) ReminderOption {
	return func(j *ReminderJob) {
		if d > 0 {
			j.after = d
		}
	}
}

// WithContacts skips contacts who have opted out.
func WithContacts(users ContactLookup) ReminderOption {
	return func(j *ReminderJob) { j.users = users }
}

// WithReminderMetrics counts reminders sent.
func WithReminderMetrics(m *metrics.Metrics) ReminderOption {
	return func(j *ReminderJob) { j.metrics = m }
}

// WithReminderClock overrides the clock.
func WithReminderClock(now func() time.Time) ReminderOption {
	return func(j *ReminderJob) { j.now = now }
}

// NewReminderJob builds a reminder job.
func NewReminderJob(ledger ReminderLedger, flows FlowStarter, opts ...ReminderOption) *ReminderJob {
	j := &ReminderJob{
		ledger: ledger,
		flows:  flows,
		after:  DefaultReminderAfter,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ReminderReport counts what one run did.
type ReminderReport struct {
	Sent    int
	Skipped int
	Failed  int
}

// Run sends one round of reminders. A record is flagged once it has been
// handled, whether the reminder went out or the contact was skipped; records
// whose reminder failed to send stay eligible for the next run.
func (j *ReminderJob) Run(ctx context.Context) (ReminderReport, error) {
	var report ReminderReport
	recs, err := j.ledger.ListUnresponsive(ctx, j.after, j.now())
	if err != nil {
		return report, fmt.Errorf("list reminder candidates: %w", err)
	}
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		send, err := j.shouldRemind(ctx, rec)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if send {
			_, err = j.flows.StartFlow(ctx, flow.StartRequest{
				UserID:     rec.ContactID,
				OrgID:      rec.OrganizationID,
				FlowName:   rec.FlowName,
				IsReminder: true,
			})
			switch {
			case errors.Is(err, models.ErrPermissionDenied), errors.Is(err, models.ErrUnknownFlow):
				slog.Warn("ReminderJob.Run: flow no longer available", "trackedFlowID", rec.TrackedFlowID, "flowName", rec.FlowName, "error", err)
				send = false
			case err != nil:
				slog.Error("ReminderJob.Run: reminder not sent", "trackedFlowID", rec.TrackedFlowID, "userID", rec.ContactID, "error", err)
				report.Failed++
				errs = append(errs, fmt.Errorf("remind %s: %w", rec.TrackedFlowID, err))
				continue
			}
		}
		if err := j.ledger.MarkReminderSent(ctx, rec.TrackedFlowID); err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if send {
			report.Sent++
			j.metrics.ReminderSent()
		} else {
			report.Skipped++
		}
	}
	slog.Info("ReminderJob.Run: reminder round finished", "candidates", len(recs), "sent", report.Sent, "skipped", report.Skipped, "failed", report.Failed)
	return report, errors.Join(errs...)
}

// shouldRemind skips opted-out contacts and contacts who have since moved on
// to a different flow.
func (j *ReminderJob) shouldRemind(ctx context.Context, rec models.FlowHistoryRecord) (bool, error) {
	if j.users != nil {
		user, err := j.users.GetUser(ctx, rec.ContactID)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return false, fmt.Errorf("look up %s: %w", rec.ContactID, err)
		case user.OptedOut:
			slog.Debug("ReminderJob.shouldRemind: contact opted out", "userID", rec.ContactID)
			return false, nil
		}
	}
	active, err := j.flows.GetActiveFlow(ctx, rec.ContactID)
	if err != nil {
		return false, fmt.Errorf("active flow of %s: %w", rec.ContactID, err)
	}
	if active != nil && active.TrackedFlowID != rec.TrackedFlowID {
		slog.Debug("ReminderJob.shouldRemind: contact is in another flow", "userID", rec.ContactID, "activeFlowID", active.TrackedFlowID)
		return false, nil
	}
	return true, nil
}

// Schedule registers the job on s. Each run gets its own timeout.
func (j *ReminderJob) Schedule(s *Scheduler, expr string, timeout time.Duration) error {
	if expr == "" {
		expr = DefaultReminderSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if err := s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := j.Run(ctx); err != nil {
			slog.Error("ReminderJob.Schedule: reminder round had failures", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reminders %q: %w", expr, err)
	}
	slog.Info("ReminderJob.Schedule: reminders scheduled", "schedule", expr, "after", j.after)
	return nil
}
