package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "flowpipe.db")))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	runStateStoreTests(t, s)
	runHistoryStoreTests(t, s)
	runUserStoreTests(t, s)
	runDedupTests(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s := newTestSQLiteStore(t)
	runStateStoreTests(t, s)
	runHistoryStoreTests(t, s)
	runUserStoreTests(t, s)
	runDedupTests(t, s)
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	for _, table := range []string{"flow_states", "flow_history", "flow_messages", "users", "inbound_dedup"} {
		pgStore.db.Exec("DELETE FROM " + table)
	}
	runStateStoreTests(t, pgStore)
	runHistoryStoreTests(t, pgStore)
	runUserStoreTests(t, pgStore)
	runDedupTests(t, pgStore)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Fatal("expected error when DSN is empty")
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":    "postgres",
		"postgresql://localhost/db":      "postgres",
		"host=localhost dbname=flowpipe": "postgres",
		"/var/lib/flowpipe/state.db":     "sqlite3",
		"file.db":                        "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func runStateStoreTests(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()

	if st, err := s.GetFlowState(ctx, "u-none"); err != nil || st != nil {
		t.Fatalf("expected no state, got %+v, %v", st, err)
	}

	first := models.FlowState{TrackedFlowID: "flow-a", UserID: "u1", FlowName: "survey", FlowSection: 1, FlowStep: 1}
	if err := s.CreateFlowState(ctx, first); err != nil {
		t.Fatalf("CreateFlowState: %v", err)
	}
	second := models.FlowState{TrackedFlowID: "flow-b", UserID: "u1", FlowName: "edit-details", FlowSection: 1, FlowStep: 1,
		Selections: map[string]string{"page": "1"}}
	if err := s.CreateFlowState(ctx, second); err != nil {
		t.Fatalf("CreateFlowState (replace): %v", err)
	}

	got, err := s.GetFlowState(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetFlowState: %+v, %v", got, err)
	}
	if got.TrackedFlowID != "flow-b" || got.FlowName != "edit-details" {
		t.Errorf("expected the newest flow to replace the old one, got %+v", got)
	}
	if got.Selection("page") != "1" {
		t.Errorf("selections not persisted: %+v", got.Selections)
	}
	if err := s.DeleteFlowState(ctx, "flow-a"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected replaced flow to be gone, got %v", err)
	}

	adv, err := s.AdvanceFlowState(ctx, "flow-b", models.FlowAdvance{
		Section: 1, Step: 2, SelectionPatch: map[string]string{"detailField": "postcode"}, MarkStarted: true,
	})
	if err != nil {
		t.Fatalf("AdvanceFlowState: %v", err)
	}
	if adv.FlowStep != 2 || adv.Selection("detailField") != "postcode" || adv.Selection("page") != "1" || adv.StartedAt == nil {
		t.Errorf("unexpected advanced state: %+v", adv)
	}
	got, _ = s.GetFlowState(ctx, "u1")
	if got.FlowStep != 2 || got.StartedAt == nil {
		t.Errorf("advance not persisted: %+v", got)
	}

	if _, err := s.AdvanceFlowState(ctx, "missing", models.FlowAdvance{Section: 1, Step: 2}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound advancing a missing flow, got %v", err)
	}

	n, err := s.DeleteUserFlowStates(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteUserFlowStates = %d, %v; want 1", n, err)
	}
	n, _ = s.DeleteUserFlowStates(ctx, "u1")
	if n != 0 {
		t.Errorf("expected nothing left to delete, got %d", n)
	}
	if err := s.DeleteFlowState(ctx, "flow-b"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func runHistoryStoreTests(t *testing.T, s HistoryStore) {
	t.Helper()
	ctx := context.Background()

	rec := models.FlowHistoryRecord{TrackedFlowID: "h1", FlowName: "survey", ContactID: "c1", OrganizationID: "org", Status: models.FlowStatusSent}
	if err := s.CreateHistory(ctx, rec); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}

	applied, err := s.SetHistoryStatus(ctx, "h1", models.FlowStatusInProgress, []models.FlowStatus{models.FlowStatusCompleted})
	if err != nil || !applied {
		t.Fatalf("SetHistoryStatus in_progress = %v, %v", applied, err)
	}
	applied, err = s.SetHistoryStatus(ctx, "h1", models.FlowStatusDelivered,
		[]models.FlowStatus{models.FlowStatusInProgress, models.FlowStatusRead, models.FlowStatusCompleted})
	if err != nil || applied {
		t.Fatalf("delivered must not overwrite in_progress: %v, %v", applied, err)
	}
	if _, err := s.SetHistoryStatus(ctx, "nope", models.FlowStatusRead, nil); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing history, got %v", err)
	}

	if err := s.AppendSurveyQuestion(ctx, "h1", models.SurveyResponse{QuestionNumber: "1A", QuestionContent: "Which stage?"}); err != nil {
		t.Fatalf("AppendSurveyQuestion: %v", err)
	}
	ok, err := s.AnswerLatestQuestion(ctx, "h1", "Stage 1", "SM100")
	if err != nil || !ok {
		t.Fatalf("AnswerLatestQuestion = %v, %v", ok, err)
	}
	ok, _ = s.AnswerLatestQuestion(ctx, "h1", "again", "SM101")
	if ok {
		t.Error("expected no pending question after answering")
	}

	started := time.Now().UTC().Truncate(time.Second)
	if err := s.SetHistoryStartedAt(ctx, "h1", started); err != nil {
		t.Fatalf("SetHistoryStartedAt: %v", err)
	}
	if err := s.SetHistoryStartedAt(ctx, "h1", started.Add(time.Hour)); err != nil {
		t.Fatalf("SetHistoryStartedAt (second): %v", err)
	}

	got, err := s.GetHistory(ctx, "h1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if got.Status != models.FlowStatusInProgress || got.OrganizationID != "org" {
		t.Errorf("unexpected history: %+v", got)
	}
	if len(got.SurveyResponses) != 1 || got.SurveyResponses[0].UserResponse != "Stage 1" || got.SurveyResponses[0].OriginalMessageSid != "SM100" {
		t.Errorf("unexpected responses: %+v", got.SurveyResponses)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt should be stamped once, got %v", got.StartedAt)
	}

	if err := s.LinkMessage(ctx, "SM1", "h1"); err != nil {
		t.Fatalf("LinkMessage: %v", err)
	}
	if err := s.LinkMessage(ctx, "SM1", "h1"); err != nil {
		t.Fatalf("LinkMessage must be idempotent: %v", err)
	}
	if id, err := s.FlowForMessage(ctx, "SM1"); err != nil || id != "h1" {
		t.Errorf("FlowForMessage = %q, %v", id, err)
	}
	if _, err := s.FlowForMessage(ctx, "SM-unknown"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown message, got %v", err)
	}

	// Two more instances of the same flow for the same contact; one delivered.
	s.CreateHistory(ctx, models.FlowHistoryRecord{TrackedFlowID: "h2", FlowName: "survey", ContactID: "c1", Status: models.FlowStatusDelivered})
	s.CreateHistory(ctx, models.FlowHistoryRecord{TrackedFlowID: "h3", FlowName: "edit-details", ContactID: "c1", Status: models.FlowStatusRead})

	stale, err := s.ListUnresponsiveHistories(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListUnresponsiveHistories: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range stale {
		ids[r.TrackedFlowID] = true
	}
	if !ids["h2"] || !ids["h3"] || ids["h1"] {
		t.Errorf("unexpected unresponsive set: %v", ids)
	}
	if err := s.MarkReminderSent(ctx, "h3"); err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}
	stale, _ = s.ListUnresponsiveHistories(ctx, time.Now().Add(time.Minute))
	for _, r := range stale {
		if r.TrackedFlowID == "h3" {
			t.Error("reminded history must not be listed again")
		}
	}

	n, err := s.CompleteSiblingHistories(ctx, "c1", "survey")
	if err != nil || n != 2 {
		t.Fatalf("CompleteSiblingHistories = %d, %v; want 2", n, err)
	}
	other, _ := s.GetHistory(ctx, "h3")
	if other.Status != models.FlowStatusRead {
		t.Errorf("other flows must be untouched, got %s", other.Status)
	}
	done, _ := s.GetHistory(ctx, "h1")
	if done.Status != models.FlowStatusCompleted {
		t.Errorf("expected h1 completed, got %s", done.Status)
	}
}

func runUserStoreTests(t *testing.T, s UserStore) {
	t.Helper()
	ctx := context.Background()

	u, err := s.ResolveUser(ctx, "whatsapp:+447700900001", "org-1", "Sam")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if u.OrganizationID != "org-1" || u.ProfileName != "Sam" || u.OptedOut {
		t.Errorf("unexpected user: %+v", u)
	}
	u, err = s.ResolveUser(ctx, "whatsapp:+447700900001", "org-2", "Other")
	if err != nil || u.OrganizationID != "org-1" {
		t.Errorf("ResolveUser must not overwrite an existing user: %+v, %v", u, err)
	}

	err = s.UpdateProfile(ctx, u.ID, []models.ProfileUpdate{
		{Field: "isAnon", Value: true, Container: models.ContainerRaw},
		{Field: "postcode", Value: "AB1 2CD", Container: models.ContainerObject, SourceMessageSid: "SM9"},
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if err := s.UpdateProfile(ctx, "missing", []models.ProfileUpdate{{Field: "x", Value: 1}}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating a missing user, got %v", err)
	}
	if err := s.SetOptOut(ctx, u.ID, true); err != nil {
		t.Fatalf("SetOptOut: %v", err)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.OptedOut {
		t.Error("expected opted out")
	}
	if got.Profile["isAnon"] != true {
		t.Errorf("raw profile value lost: %#v", got.Profile)
	}
	if _, ok := got.Profile["postcode"]; !ok {
		t.Errorf("object profile value lost: %#v", got.Profile)
	}
	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func runDedupTests(t *testing.T, s DedupRepo) {
	t.Helper()
	ctx := context.Background()
	first, err := s.RecordInbound(ctx, "SMin1", "u1")
	if err != nil || !first {
		t.Fatalf("RecordInbound first = %v, %v", first, err)
	}
	again, err := s.RecordInbound(ctx, "SMin1", "u1")
	if err != nil || again {
		t.Fatalf("RecordInbound duplicate = %v, %v", again, err)
	}
	if err := s.MarkProcessed(ctx, "SMin1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.ReleaseInbound(ctx, "SMin1"); err != nil {
		t.Fatalf("ReleaseInbound processed: %v", err)
	}
	if again, err := s.RecordInbound(ctx, "SMin1", "u1"); err != nil || again {
		t.Fatalf("processed message released: %v, %v", again, err)
	}

	if first, err := s.RecordInbound(ctx, "SMin2", "u1"); err != nil || !first {
		t.Fatalf("RecordInbound SMin2 = %v, %v", first, err)
	}
	if err := s.ReleaseInbound(ctx, "SMin2"); err != nil {
		t.Fatalf("ReleaseInbound: %v", err)
	}
	if retry, err := s.RecordInbound(ctx, "SMin2", "u1"); err != nil || !retry {
		t.Fatalf("released message not fresh on redelivery: %v, %v", retry, err)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
