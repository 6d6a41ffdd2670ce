package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InMemoryStore is a Store held in process memory. It is used by tests and
// when no database is configured.
type InMemoryStore struct {
	mu        sync.Mutex
	states    map[string]*models.FlowState // by tracked flow id
	histories map[string]*models.FlowHistoryRecord
	messages  map[string]string
	users     map[string]*models.UserInfo
	dedup     map[string]*DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:    make(map[string]*models.FlowState),
		histories: make(map[string]*models.FlowHistoryRecord),
		messages:  make(map[string]string),
		users:     make(map[string]*models.UserInfo),
		dedup:     make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func cloneHistory(r *models.FlowHistoryRecord) *models.FlowHistoryRecord {
	c := *r
	c.SurveyResponses = slices.Clone(r.SurveyResponses)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	return &c
}

func cloneUser(u *models.UserInfo) *models.UserInfo {
	c := *u
	if u.Profile != nil {
		c.Profile = make(map[string]any, len(u.Profile))
		for k, v := range u.Profile {
			c.Profile[k] = v
		}
	}
	return &c
}

func (s *InMemoryStore) CreateFlowState(_ context.Context, state models.FlowState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.states {
		if st.UserID == state.UserID {
			delete(s.states, id)
		}
	}
	s.states[state.TrackedFlowID] = state.Clone()
	return nil
}

func (s *InMemoryStore) GetFlowState(_ context.Context, userID string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.UserID == userID {
			return st.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) AdvanceFlowState(_ context.Context, trackedFlowID string, adv models.FlowAdvance) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[trackedFlowID]
	if !ok {
		return nil, fmt.Errorf("advance flow state %s: %w", trackedFlowID, models.ErrNotFound)
	}
	st.Apply(adv, time.Now().UTC())
	return st.Clone(), nil
}

func (s *InMemoryStore) DeleteFlowState(_ context.Context, trackedFlowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[trackedFlowID]; !ok {
		return fmt.Errorf("delete flow state %s: %w", trackedFlowID, models.ErrNotFound)
	}
	delete(s.states, trackedFlowID)
	return nil
}

func (s *InMemoryStore) DeleteUserFlowStates(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.states {
		if st.UserID == userID {
			delete(s.states, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateHistory(_ context.Context, rec models.FlowHistoryRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[rec.TrackedFlowID]; ok {
		return fmt.Errorf("insert flow history %s: already exists", rec.TrackedFlowID)
	}
	s.histories[rec.TrackedFlowID] = cloneHistory(&rec)
	return nil
}

func (s *InMemoryStore) GetHistory(_ context.Context, trackedFlowID string) (*models.FlowHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.histories[trackedFlowID]
	if !ok {
		return nil, fmt.Errorf("get flow history %s: %w", trackedFlowID, models.ErrNotFound)
	}
	return cloneHistory(rec), nil
}

func (s *InMemoryStore) SetHistoryStatus(_ context.Context, trackedFlowID string, status models.FlowStatus, blocked []models.FlowStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.histories[trackedFlowID]
	if !ok {
		return false, fmt.Errorf("set flow history status %s: %w", trackedFlowID, models.ErrNotFound)
	}
	if slices.Contains(blocked, rec.Status) {
		return false, nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemoryStore) CompleteSiblingHistories(_ context.Context, contactID, flowName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, rec := range s.histories {
		if rec.ContactID == contactID && rec.FlowName == flowName && slices.Contains(unfinishedStatuses, rec.Status) {
			rec.Status = models.FlowStatusCompleted
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SetHistoryStartedAt(_ context.Context, trackedFlowID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.histories[trackedFlowID]; ok && rec.StartedAt == nil {
		rec.StartedAt = &at
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) AppendSurveyQuestion(_ context.Context, trackedFlowID string, q models.SurveyResponse) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.histories[trackedFlowID]
	if !ok {
		return fmt.Errorf("survey responses %s: %w", trackedFlowID, models.ErrNotFound)
	}
	rec.SurveyResponses = append(rec.SurveyResponses, q)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) AnswerLatestQuestion(_ context.Context, trackedFlowID, response, messageSid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.histories[trackedFlowID]
	if !ok {
		return false, fmt.Errorf("survey responses %s: %w", trackedFlowID, models.ErrNotFound)
	}
	idx := rec.LatestPendingQuestion()
	if idx < 0 {
		return false, nil
	}
	rec.SurveyResponses[idx].UserResponse = response
	rec.SurveyResponses[idx].OriginalMessageSid = messageSid
	rec.SurveyResponses[idx].Answered = true
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemoryStore) ListUnresponsiveHistories(_ context.Context, before time.Time) ([]models.FlowHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FlowHistoryRecord
	for _, rec := range s.histories {
		if (rec.Status == models.FlowStatusDelivered || rec.Status == models.FlowStatusRead) &&
			!rec.IsReminder && !rec.ReminderSent && rec.UpdatedAt.Before(before) {
			out = append(out, *cloneHistory(rec))
		}
	}
	slices.SortFunc(out, func(a, b models.FlowHistoryRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkReminderSent(_ context.Context, trackedFlowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.histories[trackedFlowID]
	if !ok {
		return fmt.Errorf("mark reminder sent %s: %w", trackedFlowID, models.ErrNotFound)
	}
	rec.ReminderSent = true
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) LinkMessage(_ context.Context, messageSid, trackedFlowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageSid]; !ok {
		s.messages[messageSid] = trackedFlowID
	}
	return nil
}

func (s *InMemoryStore) FlowForMessage(_ context.Context, messageSid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.messages[messageSid]
	if !ok {
		return "", fmt.Errorf("flow for message %s: %w", messageSid, models.ErrNotFound)
	}
	return id, nil
}

func (s *InMemoryStore) ResolveUser(_ context.Context, userID, orgID, profileName string) (*models.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		now := time.Now().UTC()
		u = &models.UserInfo{ID: userID, OrganizationID: orgID, ProfileName: profileName, CreatedAt: now, UpdatedAt: now}
		s.users[userID] = u
	}
	return cloneUser(u), nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (*models.UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", userID, models.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *InMemoryStore) UpdateProfile(_ context.Context, userID string, updates []models.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("update profile %s: %w", userID, models.ErrNotFound)
	}
	now := time.Now().UTC()
	u.Profile = models.ApplyProfileUpdates(u.Profile, updates, now)
	u.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) SetOptOut(_ context.Context, userID string, optedOut bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("set opt-out %s: %w", userID, models.ErrNotFound)
	}
	u.OptedOut = optedOut
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageSid, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageSid]; ok {
		return false, nil
	}
	s.dedup[messageSid] = &DedupRecord{MessageSid: messageSid, UserID: userID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageSid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageSid]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(_ context.Context, messageSid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageSid]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageSid)
	}
	return nil
}
