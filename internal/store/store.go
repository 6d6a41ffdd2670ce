// Package store provides storage backends for FlowPipe.
//
// It holds the per-user flow position (StateStore), the per-instance flow
// history (HistoryStore), the contact directory (UserStore) and inbound
// message deduplication (DedupRepo). In-memory, SQLite and PostgreSQL
// backends implement all of them; Redis implements StateStore only.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for the Postgres store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the database file path for the SQLite store.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// StateStore persists the single active FlowState of each user.
type StateStore interface {
	// CreateFlowState removes every existing state for state.UserID and inserts state.
	CreateFlowState(ctx context.Context, state models.FlowState) error
	// GetFlowState returns the user's active state, or nil if there is none.
	GetFlowState(ctx context.Context, userID string) (*models.FlowState, error)
	// AdvanceFlowState applies adv to one record atomically and returns the result.
	// Returns models.ErrNotFound if the record no longer exists.
	AdvanceFlowState(ctx context.Context, trackedFlowID string, adv models.FlowAdvance) (*models.FlowState, error)
	// DeleteFlowState removes one record. Returns models.ErrNotFound if it is already gone.
	DeleteFlowState(ctx context.Context, trackedFlowID string) error
	// DeleteUserFlowStates removes every record for a user and reports how many were removed.
	DeleteUserFlowStates(ctx context.Context, userID string) (int, error)
}

// HistoryStore persists FlowHistoryRecords and the outbound message links that
// let delivery callbacks find their flow instance.
type HistoryStore interface {
	CreateHistory(ctx context.Context, rec models.FlowHistoryRecord) error
	GetHistory(ctx context.Context, trackedFlowID string) (*models.FlowHistoryRecord, error)
	// SetHistoryStatus writes status unless the current status is one of blocked.
	// It reports whether the write was applied.
	SetHistoryStatus(ctx context.Context, trackedFlowID string, status models.FlowStatus, blocked []models.FlowStatus) (bool, error)
	// CompleteSiblingHistories marks every unfinished record of contactID for flowName completed.
	CompleteSiblingHistories(ctx context.Context, contactID, flowName string) (int, error)
	// SetHistoryStartedAt stamps StartedAt if it is not already set.
	SetHistoryStartedAt(ctx context.Context, trackedFlowID string, at time.Time) error
	AppendSurveyQuestion(ctx context.Context, trackedFlowID string, q models.SurveyResponse) error
	// AnswerLatestQuestion fills the most recent unanswered question. It reports
	// whether a pending question existed.
	AnswerLatestQuestion(ctx context.Context, trackedFlowID, response, messageSid string) (bool, error)
	// ListUnresponsiveHistories returns non-reminder records that were delivered or
	// read, never reminded, and not touched since before.
	ListUnresponsiveHistories(ctx context.Context, before time.Time) ([]models.FlowHistoryRecord, error)
	MarkReminderSent(ctx context.Context, trackedFlowID string) error
	LinkMessage(ctx context.Context, messageSid, trackedFlowID string) error
	// FlowForMessage returns the tracked flow id an outbound message belongs to.
	FlowForMessage(ctx context.Context, messageSid string) (string, error)
}

// UserStore is the contact directory.
type UserStore interface {
	// ResolveUser returns the user, creating a minimal record if unseen.
	ResolveUser(ctx context.Context, userID, orgID, profileName string) (*models.UserInfo, error)
	GetUser(ctx context.Context, userID string) (*models.UserInfo, error)
	UpdateProfile(ctx context.Context, userID string, updates []models.ProfileUpdate) error
	SetOptOut(ctx context.Context, userID string, optedOut bool) error
}

// Store is the full persistence surface implemented by the SQL and in-memory backends.
type Store interface {
	StateStore
	HistoryStore
	UserStore
	DedupRepo
	Close() error
}

// unfinishedStatuses are the statuses bulk completion moves to completed.
var unfinishedStatuses = []models.FlowStatus{
	models.FlowStatusSent,
	models.FlowStatusDelivered,
	models.FlowStatusRead,
	models.FlowStatusInProgress,
}
