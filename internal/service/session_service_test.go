package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stemsi/examgen-backend/internal/generation"
	"github.com/stemsi/examgen-backend/internal/model"
)

func TestStartSession(t *testing.T) {
	h := newHarness(t)
	res, err := h.sessions.Start(context.Background(), testUser, model.StartSessionRequest{Track: model.TrackLiterary})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := res.Session
	if s.Kind != model.SessionKindExam {
		t.Errorf("default kind = %s, want exam", s.Kind)
	}
	if s.Status != model.SessionStatusInProgress || s.TotalQuestions != 96 || s.GeneratedBatches != 1 {
		t.Errorf("session = %+v", s)
	}
	if s.RemainingTimeSeconds != examSeconds {
		t.Errorf("RemainingTimeSeconds = %d, want %d", s.RemainingTimeSeconds, examSeconds)
	}
	if len(res.Questions) != 10 {
		t.Errorf("batch 0 has %d questions, want 10", len(res.Questions))
	}
}

func TestStartSessionPracticeDuration(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, model.SessionKindPractice)
	if s.RemainingTimeSeconds != practiceSeconds {
		t.Errorf("RemainingTimeSeconds = %d, want %d", s.RemainingTimeSeconds, practiceSeconds)
	}
}

func TestStartSessionGenerationFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.gateway.fn = func(context.Context, generation.BatchRequest) (*generation.BatchResponse, error) {
		return nil, errors.New("model overloaded")
	}

	res, err := h.sessions.Start(context.Background(), testUser, model.StartSessionRequest{Track: model.TrackScientific})
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
	if res == nil || res.Session == nil {
		t.Fatal("created session must be returned alongside the error")
	}

	stored := h.store.get(t, res.Session.ID)
	if stored.GeneratedBatches != 0 || stored.GenerationInProgress {
		t.Fatalf("stored = %d batches, locked=%v", stored.GeneratedBatches, stored.GenerationInProgress)
	}

	h.gateway.fn = nil
	if _, err := h.sessions.RequestBatch(context.Background(), testUser, res.Session.ID, 0); err != nil {
		t.Fatalf("retrying batch 0: %v", err)
	}
}

func TestPauseLimitPerKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.start(t, model.SessionKindExam)
	second := h.start(t, model.SessionKindExam)
	practice := h.start(t, model.SessionKindPractice)

	if _, err := h.sessions.Pause(ctx, testUser, first.ID, nil); err != nil {
		t.Fatalf("first pause: %v", err)
	}

	_, err := h.sessions.Pause(ctx, testUser, second.ID, nil)
	var limit *ResourceLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("expected ResourceLimitError, got %v", err)
	}
	if limit.Kind != model.SessionKindExam || limit.Limit != 1 {
		t.Errorf("ResourceLimitError = %+v", limit)
	}
	if got := h.store.get(t, second.ID).Status; got != model.SessionStatusInProgress {
		t.Errorf("rejected pause changed status to %s", got)
	}

	if _, err := h.sessions.Pause(ctx, testUser, practice.ID, nil); err != nil {
		t.Fatalf("a practice session has its own limit: %v", err)
	}

	// Freeing the slot allows the other exam to pause.
	if _, err := h.sessions.Resume(ctx, testUser, first.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := h.sessions.Pause(ctx, testUser, second.ID, nil); err != nil {
		t.Fatalf("pause after slot freed: %v", err)
	}
}

func TestPauseConflictAtWriteTime(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, model.SessionKindExam)
	second := h.start(t, model.SessionKindExam)

	// Another request pauses the first session between the count check and the write.
	h.store.beforeUpdate = func(m *memStore) {
		m.set(first.ID, func(s *model.Session) { s.Status = model.SessionStatusPaused })
	}

	_, err := h.sessions.Pause(context.Background(), testUser, second.ID, nil)
	var limit *ResourceLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("expected ResourceLimitError from the write-time check, got %v", err)
	}
}

func TestPauseResumeTiming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.start(t, model.SessionKindExam)

	h.clock.Advance(600 * time.Second)
	paused, err := h.sessions.Pause(ctx, testUser, sess.ID, nil)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.RemainingTimeSeconds != examSeconds-600 || paused.TimeSpentSeconds != 600 {
		t.Fatalf("after pause remaining=%d spent=%d", paused.RemainingTimeSeconds, paused.TimeSpentSeconds)
	}
	if paused.PausedAt == nil {
		t.Fatal("PausedAt must be set")
	}

	// Time spent paused is not consumed.
	h.clock.Advance(time.Hour)
	state, err := h.sessions.State(ctx, testUser, sess.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.RemainingTimeSeconds != examSeconds-600 {
		t.Errorf("paused remaining = %d, want %d", state.RemainingTimeSeconds, examSeconds-600)
	}

	resumed, err := h.sessions.Resume(ctx, testUser, sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.PausedAt != nil || !resumed.StartTime.Equal(h.clock.Now()) {
		t.Errorf("resume must reset the baseline: %+v", resumed)
	}

	h.clock.Advance(100 * time.Second)
	state, err = h.sessions.State(ctx, testUser, sess.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.RemainingTimeSeconds != examSeconds-700 {
		t.Errorf("remaining = %d, want %d", state.RemainingTimeSeconds, examSeconds-700)
	}
}

func TestReportedRemainingIsClamped(t *testing.T) {
	tests := []struct {
		name     string
		reported *int
		want     int
	}{
		{"server reading", nil, examSeconds - 600},
		{"credits frozen disconnect time", intPtr(examSeconds - 300), examSeconds - 300},
		{"cannot exceed baseline", intPtr(examSeconds + 500), examSeconds},
		{"cannot undercut server", intPtr(10), examSeconds - 600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sess := h.start(t, model.SessionKindExam)
			h.clock.Advance(600 * time.Second)

			paused, err := h.sessions.Pause(context.Background(), testUser, sess.ID, tt.reported)
			if err != nil {
				t.Fatalf("Pause: %v", err)
			}
			if paused.RemainingTimeSeconds != tt.want {
				t.Errorf("RemainingTimeSeconds = %d, want %d", paused.RemainingTimeSeconds, tt.want)
			}
			if paused.TimeSpentSeconds != examSeconds-tt.want {
				t.Errorf("TimeSpentSeconds = %d, want %d", paused.TimeSpentSeconds, examSeconds-tt.want)
			}
		})
	}
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()
	type op func(h *harness, s *model.Session) error
	pause := func(h *harness, s *model.Session) error { _, err := h.sessions.Pause(ctx, testUser, s.ID, nil); return err }
	resume := func(h *harness, s *model.Session) error { _, err := h.sessions.Resume(ctx, testUser, s.ID); return err }
	complete := func(h *harness, s *model.Session) error { _, err := h.sessions.Complete(ctx, testUser, s.ID, nil); return err }
	abandon := func(h *harness, s *model.Session) error { _, err := h.sessions.Abandon(ctx, testUser, s.ID); return err }

	tests := []struct {
		name  string
		setup []op
		op    op
		ok    bool
	}{
		{"pause in progress", nil, pause, true},
		{"resume in progress", nil, resume, false},
		{"complete in progress", nil, complete, true},
		{"abandon in progress", nil, abandon, true},
		{"pause paused", []op{pause}, pause, false},
		{"resume paused", []op{pause}, resume, true},
		{"complete paused", []op{pause}, complete, false},
		{"abandon paused", []op{pause}, abandon, true},
		{"pause completed", []op{complete}, pause, false},
		{"resume completed", []op{complete}, resume, false},
		{"abandon completed", []op{complete}, abandon, false},
		{"pause abandoned", []op{abandon}, pause, false},
		{"resume abandoned", []op{abandon}, resume, false},
		{"complete abandoned", []op{abandon}, complete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.start(t, model.SessionKindExam)
			for _, step := range tt.setup {
				if err := step(h, s); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}
			err := tt.op(h, s)
			if tt.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestStaleReadCannotResurrectTerminalSession(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t, model.SessionKindExam)

	// Abandoned by another request after this one loaded the session.
	h.store.beforeUpdate = func(m *memStore) {
		m.set(sess.ID, func(s *model.Session) { s.Status = model.SessionStatusAbandoned })
	}
	if _, err := h.sessions.Complete(context.Background(), testUser, sess.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got := h.store.get(t, sess.ID).Status; got != model.SessionStatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got)
	}
	if h.queue.len() != 0 {
		t.Fatal("no completion job for a failed transition")
	}
}

func TestCompleteAndResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.start(t, model.SessionKindExam)
	stored := h.store.get(t, sess.ID)

	if _, err := h.sessions.Results(ctx, testUser, sess.ID); !errors.Is(err, ErrResultsNotReady) {
		t.Fatalf("results before completion: %v", err)
	}

	for i := 0; i < 4; i++ {
		req := model.SubmitAnswerRequest{QuestionIndex: intPtr(i), SelectedAnswer: intPtr(stored.Questions[i].AnswerIndex)}
		if _, err := h.answers.Record(ctx, testUser, sess.ID, req); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	h.clock.Advance(90 * time.Second)
	done, err := h.sessions.Complete(ctx, testUser, sess.ID, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.CompletedAt == nil || done.TimeSpentSeconds != 90 {
		t.Errorf("completed session = %+v", done)
	}
	if h.queue.len() != 1 {
		t.Fatalf("completion jobs = %d, want 1", h.queue.len())
	}

	snap, err := h.sessions.Results(ctx, testUser, sess.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if snap.Overall.Correct != 4 || snap.Overall.Total != 10 || snap.Overall.Percentage != 40 {
		t.Errorf("overall = %+v", snap.Overall)
	}

	if _, err := h.sessions.Results(ctx, testUser, sess.ID); err != nil {
		t.Fatalf("Results (cached): %v", err)
	}
	if h.cache.hits != 1 {
		t.Errorf("second read should hit the cache, hits = %d", h.cache.hits)
	}
}

func TestStateCompletesExpiredSession(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t, model.SessionKindExam)

	h.clock.Advance((examSeconds + 5) * time.Second)
	state, err := h.sessions.State(context.Background(), testUser, sess.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Session.Status != model.SessionStatusCompleted || state.RemainingTimeSeconds != 0 {
		t.Fatalf("expired session state = %s, remaining %d", state.Session.Status, state.RemainingTimeSeconds)
	}
	if state.Session.TimeSpentSeconds != examSeconds {
		t.Errorf("TimeSpentSeconds = %d, want %d", state.Session.TimeSpentSeconds, examSeconds)
	}
	if h.queue.len() != 1 {
		t.Errorf("completion jobs = %d, want 1", h.queue.len())
	}
	for _, q := range state.Questions {
		if q.AnswerIndex == nil {
			t.Fatal("completed sessions reveal answers")
		}
	}
}

func TestStateProjectsQuestions(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t, model.SessionKindExam)

	state, err := h.sessions.State(context.Background(), testUser, sess.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.TotalBatches != 10 || state.NextBatchIndex != 1 || len(state.Questions) != 10 {
		t.Errorf("state = total %d next %d questions %d", state.TotalBatches, state.NextBatchIndex, len(state.Questions))
	}
	for i, q := range state.Questions {
		if q.Index != i || q.AnswerIndex != nil || q.Explanation != nil {
			t.Fatalf("question %d not projected: %+v", i, q)
		}
	}
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.start(t, model.SessionKindExam)
	h.start(t, model.SessionKindPractice)
	if _, err := h.sessions.Abandon(ctx, testUser, a.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	all, err := h.sessions.List(ctx, testUser, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("List = %d sessions, %v", len(all), err)
	}
	status := model.SessionStatusAbandoned
	abandoned, err := h.sessions.List(ctx, testUser, &status)
	if err != nil || len(abandoned) != 1 || abandoned[0].ID != a.ID {
		t.Fatalf("filtered List = %+v, %v", abandoned, err)
	}
	none, err := h.sessions.List(ctx, testUser+1, nil)
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("other user List = %v, %v", none, err)
	}
}
