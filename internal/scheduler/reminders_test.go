package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

const contact = "whatsapp:+447700900555"

// startDelivered starts a survey for contact and reports its first message delivered.
func startDelivered(t *testing.T, s *testutil.Stack, user string) string {
	t.Helper()
	ctx := context.Background()
	res, err := s.Dispatcher.StartFlow(ctx, flow.StartRequest{UserID: user, OrgID: "fat-macys", FlowName: "survey"})
	if err != nil || !res.Accepted {
		t.Fatalf("StartFlow: %+v %v", res, err)
	}
	if err := s.Dispatcher.HandleStatus(ctx, s.LastSent(t).Sid, flow.DeliveryDelivered); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	return res.TrackedFlowID
}

func later() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

func TestReminderJobSendsReminder(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	original := startDelivered(t, s, contact)
	sentBefore := len(s.Twilio.Sent())

	job := NewReminderJob(s.Ledger, s.Dispatcher, WithContacts(s.Store), WithReminderClock(later))
	report, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Sent != 1 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(s.Twilio.Sent()) <= sentBefore {
		t.Fatal("expected the reminder to be sent")
	}

	rec, err := s.Ledger.History(ctx, original)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !rec.ReminderSent {
		t.Error("original record should be flagged as reminded")
	}

	active, err := s.Dispatcher.GetActiveFlow(ctx, contact)
	if err != nil || active == nil {
		t.Fatalf("GetActiveFlow: %v %v", active, err)
	}
	if active.TrackedFlowID == original {
		t.Fatal("reminder should start a new flow instance")
	}
	reminder, err := s.Ledger.History(ctx, active.TrackedFlowID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !reminder.IsReminder {
		t.Error("reminder record should be marked as a reminder")
	}

	// A second round finds nothing: the original is flagged and the reminder is excluded.
	report, err = job.Run(ctx)
	if err != nil || report.Sent != 0 {
		t.Fatalf("second run = %+v %v", report, err)
	}
}

func TestReminderJobWaitsForThreshold(t *testing.T) {
	s := testutil.NewStack(t)
	startDelivered(t, s, contact)

	job := NewReminderJob(s.Ledger, s.Dispatcher, WithReminderAfter(time.Hour))
	report, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report != (ReminderReport{}) {
		t.Fatalf("fresh flows should not be reminded, got %+v", report)
	}
}

func TestReminderJobIgnoresUndelivered(t *testing.T) {
	s := testutil.NewStack(t)
	if _, err := s.Dispatcher.StartFlow(context.Background(), flow.StartRequest{UserID: contact, OrgID: "fat-macys", FlowName: "survey"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	job := NewReminderJob(s.Ledger, s.Dispatcher, WithReminderClock(later))
	report, err := job.Run(context.Background())
	if err != nil || report.Sent != 0 {
		t.Fatalf("report = %+v %v", report, err)
	}
}

func TestReminderJobSkipsOptedOut(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	original := startDelivered(t, s, contact)
	if err := s.Store.SetOptOut(ctx, contact, true); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}
	sentBefore := len(s.Twilio.Sent())

	job := NewReminderJob(s.Ledger, s.Dispatcher, WithContacts(s.Store), WithReminderClock(later))
	report, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(s.Twilio.Sent()) != sentBefore {
		t.Fatal("no message should go to an opted-out contact")
	}
	rec, _ := s.Ledger.History(ctx, original)
	if rec == nil || !rec.ReminderSent {
		t.Fatal("skipped record should still be flagged")
	}
}

func TestReminderJobSkipsContactInAnotherFlow(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	startDelivered(t, s, contact)
	if _, err := s.Dispatcher.StartFlow(ctx, flow.StartRequest{UserID: contact, OrgID: "fat-macys", FlowName: "edit-details"}); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}

	job := NewReminderJob(s.Ledger, s.Dispatcher, WithReminderClock(later))
	report, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped != 1 || report.Sent != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReminderJobKeepsFailedSendsEligible(t *testing.T) {
	s := testutil.NewStack(t)
	ctx := context.Background()
	original := startDelivered(t, s, contact)
	s.Twilio.FailWith(errors.New("twilio unavailable"))

	job := NewReminderJob(s.Ledger, s.Dispatcher, WithReminderClock(later))
	report, err := job.Run(ctx)
	if err == nil {
		t.Fatal("expected the failed send to be reported")
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	rec, err := s.Ledger.History(ctx, original)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if rec.ReminderSent {
		t.Fatal("failed reminders must stay eligible")
	}
}

type failingLedger struct{}

func (failingLedger) ListUnresponsive(context.Context, time.Duration, time.Time) ([]models.FlowHistoryRecord, error) {
	return nil, errors.New("db down")
}

func (failingLedger) MarkReminderSent(context.Context, string) error { return nil }

func TestReminderJobListFailure(t *testing.T) {
	job := NewReminderJob(failingLedger{}, nil)
	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("expected list failure to surface")
	}
}

func TestReminderJobSchedule(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())
	job := NewReminderJob(failingLedger{}, nil)
	if err := job.Schedule(s, "", time.Minute); err != nil {
		t.Fatalf("Schedule default: %v", err)
	}
	if err := job.Schedule(s, "not a cron", time.Minute); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}
}
