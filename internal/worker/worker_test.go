package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/scoring"
	"github.com/stemsi/examgen-backend/internal/service"
)

// ─── In-memory queue ──────────────────────────────────────────────────

type memQueue struct {
	mu    sync.Mutex
	items [][]byte
	ready chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{ready: make(chan struct{}, 1)}
}

func (q *memQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.After(timeout)
	for {
		if raw, err := q.TryPop(ctx); err == nil {
			return raw, nil
		}
		select {
		case <-q.ready:
		case <-deadline:
			return nil, ErrQueueEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *memQueue) TryPop(context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrQueueEmpty
	}
	raw := q.items[0]
	q.items = q.items[1:]
	return raw, nil
}

func (q *memQueue) Push(_ context.Context, raw []byte) error {
	q.mu.Lock()
	q.items = append(q.items, raw)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *memQueue) pushJSON(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	q.Push(context.Background(), raw)
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ─── Autosave worker ──────────────────────────────────────────────────

type recorder struct {
	mu    sync.Mutex
	calls []int
	errs  map[int]error
}

func (r *recorder) Record(_ context.Context, _ int, _ uuid.UUID, req model.SubmitAnswerRequest) (*model.AnswerFeedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, *req.QuestionIndex)
	if err := r.errs[*req.QuestionIndex]; err != nil {
		return nil, err
	}
	return &model.AnswerFeedback{QuestionIndex: *req.QuestionIndex}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestAutosaveWorkerPersist(t *testing.T) {
	transient := errors.New("connection refused")
	rec := &recorder{errs: map[int]error{
		1: service.ErrInvalidState,
		2: service.ErrQuestionNotLoaded,
		3: transient,
	}}
	q := newMemQueue()
	w := NewAutosaveWorker(q, rec, zerolog.Nop())
	id := uuid.New()

	for idx := 0; idx < 4; idx++ {
		raw, _ := json.Marshal(repository.AutosavePayload{UserID: 1, SessionID: id, QuestionIndex: idx})
		err := w.persist(context.Background(), raw)
		if idx == 3 {
			if !errors.Is(err, transient) {
				t.Errorf("transient failure should be retried, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("index %d: expected drop or success, got %v", idx, err)
		}
	}

	if err := w.persist(context.Background(), []byte("{broken")); err != nil {
		t.Errorf("malformed payloads are dropped, got %v", err)
	}
}

func TestAutosaveWorkerDrainsOnShutdown(t *testing.T) {
	rec := &recorder{}
	q := newMemQueue()
	w := NewAutosaveWorker(q, rec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		q.pushJSON(t, repository.AutosavePayload{UserID: 1, SessionID: uuid.New(), QuestionIndex: i})
	}

	w.Start(ctx)
	if rec.count() != 3 || q.len() != 0 {
		t.Fatalf("drain persisted %d, left %d", rec.count(), q.len())
	}
}

func TestAutosaveWorkerRequeuesTransientFailure(t *testing.T) {
	rec := &recorder{errs: map[int]error{0: errors.New("timeout")}}
	q := newMemQueue()
	w := NewAutosaveWorker(q, rec, zerolog.Nop())
	w.retryDelay = time.Millisecond

	q.pushJSON(t, repository.AutosavePayload{UserID: 1, SessionID: uuid.New()})
	w.processNext(context.Background())

	if q.len() != 1 {
		t.Fatalf("failed answer should be back on the queue, len=%d", q.len())
	}
}

// ─── Completion worker ────────────────────────────────────────────────

type stubScorer struct {
	mu      sync.Mutex
	missing map[uuid.UUID]bool
	cached  []uuid.UUID
}

func (s *stubScorer) Score(_ context.Context, id uuid.UUID) (*model.Session, *scoring.Snapshot, error) {
	if s.missing[id] {
		return nil, nil, service.ErrSessionNotFound
	}
	snap := &scoring.Snapshot{
		Overall: scoring.Bucket{Correct: 3, Total: 4, Percentage: 75},
		Sections: map[model.Section]scoring.Bucket{
			model.SectionQuantitative: {Correct: 2, Total: 2, Percentage: 100},
			model.SectionVerbal:       {Correct: 1, Total: 2, Percentage: 50},
		},
	}
	return &model.Session{ID: id, Status: model.SessionStatusCompleted}, snap, nil
}

func (s *stubScorer) CacheResults(_ context.Context, id uuid.UUID, _ *scoring.Snapshot) error {
	s.mu.Lock()
	s.cached = append(s.cached, id)
	s.mu.Unlock()
	return nil
}

type stubScores struct {
	bulkErr   error
	singleErr map[uuid.UUID]error
	bulk      [][]model.ScoreUpdate
	single    []model.ScoreUpdate
}

func (s *stubScores) BulkUpdateScores(_ context.Context, u []model.ScoreUpdate) error {
	s.bulk = append(s.bulk, append([]model.ScoreUpdate(nil), u...))
	return s.bulkErr
}

func (s *stubScores) UpdateScores(_ context.Context, u model.ScoreUpdate) error {
	s.single = append(s.single, u)
	return s.singleErr[u.SessionID]
}

type stubNotifier struct {
	cleared []uuid.UUID
	events  []model.SessionEvent
}

func (n *stubNotifier) ClearAutosave(_ context.Context, ids ...uuid.UUID) error {
	n.cleared = append(n.cleared, ids...)
	return nil
}

func (n *stubNotifier) PublishEvent(_ context.Context, _ int, ev model.SessionEvent) error {
	n.events = append(n.events, ev)
	return nil
}

func TestCompletionWorkerFlush(t *testing.T) {
	a, b, gone := uuid.New(), uuid.New(), uuid.New()
	scorer := &stubScorer{missing: map[uuid.UUID]bool{gone: true}}
	scores := &stubScores{}
	notifier := &stubNotifier{}
	w := NewCompletionWorker(newMemQueue(), scorer, scores, notifier, zerolog.Nop())

	w.flush(context.Background(), []model.CompletionJob{
		{SessionID: a, UserID: 1},
		{SessionID: gone, UserID: 1},
		{SessionID: b, UserID: 2},
	})

	if len(scores.bulk) != 1 || len(scores.bulk[0]) != 2 {
		t.Fatalf("expected one bulk update of 2 rows, got %+v", scores.bulk)
	}
	u := scores.bulk[0][0]
	if u.SessionID != a || u.Quantitative != 100 || u.Verbal != 50 || u.Overall != 75 {
		t.Fatalf("score update = %+v", u)
	}
	if len(scorer.cached) != 2 || len(notifier.cleared) != 2 {
		t.Fatalf("cached %d cleared %d", len(scorer.cached), len(notifier.cleared))
	}
	if len(notifier.events) != 2 || notifier.events[0].Type != model.EventSessionCompleted || *notifier.events[0].OverallScore != 75 {
		t.Fatalf("events = %+v", notifier.events)
	}
}

func TestCompletionWorkerFallback(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	q := newMemQueue()
	scores := &stubScores{
		bulkErr:   errors.New("deadlock detected"),
		singleErr: map[uuid.UUID]error{b: errors.New("connection reset")},
	}
	notifier := &stubNotifier{}
	w := NewCompletionWorker(q, &stubScorer{}, scores, notifier, zerolog.Nop())

	w.flush(context.Background(), []model.CompletionJob{{SessionID: a}, {SessionID: b}})

	if len(scores.single) != 2 {
		t.Fatalf("fallback should try each row, got %d", len(scores.single))
	}
	if len(notifier.cleared) != 1 || notifier.cleared[0] != a {
		t.Fatalf("only persisted sessions are cleared: %v", notifier.cleared)
	}
	raw, err := q.TryPop(context.Background())
	if err != nil {
		t.Fatal("failed job should be requeued")
	}
	var job model.CompletionJob
	json.Unmarshal(raw, &job)
	if job.SessionID != b {
		t.Fatalf("requeued %s, want %s", job.SessionID, b)
	}
}

func TestCompletionWorkerFlushesOnShutdown(t *testing.T) {
	q := newMemQueue()
	scores := &stubScores{}
	w := NewCompletionWorker(q, &stubScorer{}, scores, &stubNotifier{}, zerolog.Nop())
	q.pushJSON(t, model.CompletionJob{SessionID: uuid.New(), UserID: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for q.len() > 0 {
		select {
		case <-deadline:
			t.Fatal("job was never picked up")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(scores.bulk) != 1 {
		t.Fatalf("pending batch should flush on shutdown, got %d bulk writes", len(scores.bulk))
	}
}
