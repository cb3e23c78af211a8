package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/generation"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/scoring"
)

// ─── Clock ────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── Session store ────────────────────────────────────────────────────

// memStore mirrors the conditional-write semantics of repository.SessionRepository.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	lockedAt map[uuid.UUID]time.Time
	now      func() time.Time

	appendErr    error
	beforeUpdate func(m *memStore)
	releases     int
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*model.Session),
		lockedAt: make(map[uuid.UUID]time.Time),
		now:      now,
	}
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.Questions = append([]model.Question(nil), s.Questions...)
	return &c
}

func (m *memStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = m.now()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *memStore) ListByUser(_ context.Context, userID int, status *model.SessionStatus) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID && (status == nil || s.Status == *status) {
			out = append(out, *cloneSession(s))
		}
	}
	return out, nil
}

func (m *memStore) TryAcquireGenerationLock(_ context.Context, id uuid.UUID, lease time.Duration) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != model.SessionStatusInProgress {
		return time.Time{}, false, nil
	}
	if s.GenerationInProgress && m.now().Sub(m.lockedAt[id]) < lease {
		return time.Time{}, false, nil
	}
	s.GenerationInProgress = true
	m.lockedAt[id] = m.now()
	return m.lockedAt[id], true, nil
}

func (m *memStore) AppendBatch(_ context.Context, id uuid.UUID, batchIndex int, questions []model.Question, next model.GenerationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	s, ok := m.sessions[id]
	if !ok || s.GeneratedBatches != batchIndex || !s.GenerationInProgress {
		return repository.ErrStaleWrite
	}
	s.Questions = append(s.Questions, questions...)
	s.GeneratedBatches = batchIndex + 1
	s.GenerationContext = next
	s.GenerationInProgress = false
	return nil
}

func (m *memStore) ReleaseGenerationLock(ctx context.Context, id uuid.UUID, token time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if s, ok := m.sessions[id]; ok && m.lockedAt[id].Equal(token) {
		s.GenerationInProgress = false
	}
	return nil
}

func (m *memStore) CountPaused(_ context.Context, userID int, kind model.SessionKind, excluding uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countPausedLocked(userID, kind, excluding), nil
}

func (m *memStore) countPausedLocked(userID int, kind model.SessionKind, excluding uuid.UUID) int {
	n := 0
	for id, s := range m.sessions {
		if id != excluding && s.UserID == userID && s.Kind == kind && s.Status == model.SessionStatusPaused {
			n++
		}
	}
	return n
}

func (m *memStore) UpdateStatus(_ context.Context, s *model.Session, from []model.SessionStatus) error {
	if m.beforeUpdate != nil {
		hook := m.beforeUpdate
		m.beforeUpdate = nil
		hook(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok {
		return repository.ErrStaleWrite
	}
	allowed := false
	for _, st := range from {
		if stored.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return repository.ErrStaleWrite
	}
	if s.Status == model.SessionStatusPaused && m.countPausedLocked(s.UserID, s.Kind, s.ID) > 0 {
		return repository.ErrPausedConflict
	}

	stored.Status = s.Status
	stored.StartTime = s.StartTime
	stored.PausedAt = s.PausedAt
	stored.RemainingTimeSeconds = s.RemainingTimeSeconds
	stored.TimeSpentSeconds = s.TimeSpentSeconds
	stored.CompletedAt = s.CompletedAt
	return nil
}

// set mutates a stored session directly.
func (m *memStore) set(id uuid.UUID, fn func(s *model.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.sessions[id])
}

func (m *memStore) get(t *testing.T, id uuid.UUID) *model.Session {
	t.Helper()
	s, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("stored session %s: %v", id, err)
	}
	return s
}

// ─── Ledger, cache, queue ─────────────────────────────────────────────

type ledgerKey struct {
	session uuid.UUID
	index   int
}

type memLedger struct {
	mu      sync.Mutex
	answers map[ledgerKey]model.Answer
	now     func() time.Time
}

func newMemLedger(now func() time.Time) *memLedger {
	return &memLedger{answers: make(map[ledgerKey]model.Answer), now: now}
}

func (l *memLedger) Upsert(_ context.Context, a *model.Answer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.UpdatedAt = l.now()
	l.answers[ledgerKey{a.SessionID, a.QuestionIndex}] = *a
	return nil
}

func (l *memLedger) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []model.Answer{}
	for k, a := range l.answers {
		if k.session == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memCache struct {
	mu      sync.Mutex
	results map[uuid.UUID]scoring.Snapshot
	hits    int
}

func (c *memCache) GetResults(_ context.Context, id uuid.UUID) (*scoring.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.results[id]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &snap, true, nil
}

func (c *memCache) SetResults(_ context.Context, id uuid.UUID, snap *scoring.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[id] = *snap
	return nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []model.CompletionJob
}

func (q *memQueue) EnqueueCompletion(_ context.Context, job model.CompletionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// ─── Gateway ──────────────────────────────────────────────────────────

type fakeGateway struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req generation.BatchRequest) (*generation.BatchResponse, error)
}

func (g *fakeGateway) Generate(ctx context.Context, req generation.BatchRequest) (*generation.BatchResponse, error) {
	g.calls.Add(1)
	if g.fn != nil {
		return g.fn(ctx, req)
	}
	return generation.NewMockGateway(0).Generate(ctx, req)
}

// ─── Harness ──────────────────────────────────────────────────────────

const (
	examSeconds     = 3600
	practiceSeconds = 1800
	testUser        = 42
)

type harness struct {
	clock    *fakeClock
	store    *memStore
	ledger   *memLedger
	cache    *memCache
	queue    *memQueue
	gateway  *fakeGateway
	batches  *BatchController
	sessions *SessionService
	answers  *AnswerService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		cache:   &memCache{results: make(map[uuid.UUID]scoring.Snapshot)},
		queue:   &memQueue{},
		gateway: &fakeGateway{},
	}
	h.store = newMemStore(h.clock.Now)
	h.ledger = newMemLedger(h.clock.Now)

	log := zerolog.Nop()
	h.batches = NewBatchController(h.store, h.gateway, time.Second, time.Minute, log)
	h.sessions = NewSessionService(h.store, h.ledger, h.cache, h.queue, h.batches, map[model.SessionKind]time.Duration{
		model.SessionKindExam:     examSeconds * time.Second,
		model.SessionKindPractice: practiceSeconds * time.Second,
	}, log)
	h.sessions.now = h.clock.Now
	h.answers = NewAnswerService(h.store, h.ledger, log)
	return h
}

// start creates a scientific session of kind with batch 0 generated.
func (h *harness) start(t *testing.T, kind model.SessionKind) *model.Session {
	t.Helper()
	res, err := h.sessions.Start(context.Background(), testUser, model.StartSessionRequest{Track: model.TrackScientific, Kind: kind})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res.Session
}

func intPtr(v int) *int { return &v }
