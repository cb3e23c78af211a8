package examclient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one pending answer. Later entries for the same question replace earlier ones.
type Entry struct {
	QuestionIndex    int  `json:"question_index"`
	SelectedAnswer   *int `json:"selected_answer"`
	TimeSpentSeconds int  `json:"time_spent_seconds"`
	seq              uint64
}

// Saver persists a batch of entries in one call.
type Saver interface {
	SaveAnswers(ctx context.Context, entries []Entry) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, entries []Entry) error

func (f SaverFunc) SaveAnswers(ctx context.Context, entries []Entry) error { return f(ctx, entries) }

// QueueConfig tunes a Queue. Zero fields take the defaults below.
type QueueConfig struct {
	Debounce         time.Duration // 2s
	MaxPending       int           // 5; reaching it flushes immediately
	MinBackoff       time.Duration // 2s
	MaxBackoff       time.Duration // 30s
	FailureThreshold int           // 3 consecutive failures while online
	TeardownTimeout  time.Duration // 3s

	// OnPersistentFailure is called once per failure streak when FailureThreshold is
	// reached. It runs on the flushing goroutine.
	OnPersistentFailure func(err error, failures int)

	Logger *zerolog.Logger
}

func (c *QueueConfig) withDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 5
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	c.MaxBackoff = max(c.MaxBackoff, c.MinBackoff)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 3 * time.Second
	}
}

// Queue batches answers on the client and sends them through a Saver. It is safe for
// concurrent use. Durability is best effort: entries still pending when the process dies
// are lost.
type Queue struct {
	saver Saver
	cfg   QueueConfig
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[int]Entry
	seq       uint64
	online    bool
	flushing  bool
	closed    bool
	failures  int
	escalated bool
	timer     *time.Timer
}

// NewQueue creates a Queue. It starts online.
func NewQueue(saver Saver, cfg QueueConfig) *Queue {
	cfg.withDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "autosave_queue").Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		saver:   saver,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]Entry),
		online:  true,
	}
}

// QueueAnswer records an answer and arms the debounce timer. A nil selected clears the
// answer.
func (q *Queue) QueueAnswer(index int, selected *int, timeSpentSeconds int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	q.pending[index] = Entry{QuestionIndex: index, SelectedAnswer: selected, TimeSpentSeconds: timeSpentSeconds, seq: q.seq}
	full := len(q.pending) >= q.cfg.MaxPending
	if !full && q.failures == 0 {
		q.scheduleLocked(q.cfg.Debounce)
	}
	q.mu.Unlock()

	if full {
		go q.Flush(q.ctx)
	}
}

// Flush sends everything pending in one call. It does nothing while offline or while
// another flush is in flight. On failure the entries are merged back and a retry is
// scheduled with exponential backoff.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed || !q.online || q.flushing || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := q.takeLocked()
	q.flushing = true
	q.stopTimerLocked()
	q.mu.Unlock()

	err := q.saver.SaveAnswers(ctx, batch)

	q.mu.Lock()
	q.flushing = false
	if err == nil {
		q.failures = 0
		q.escalated = false
		if len(q.pending) > 0 && !q.closed {
			q.scheduleLocked(q.cfg.Debounce)
		}
		q.mu.Unlock()
		q.log.Debug().Int("entries", len(batch)).Msg("Answers saved")
		return nil
	}

	if q.closed {
		q.mu.Unlock()
		q.log.Warn().Err(err).Int("entries", len(batch)).Msg("Save failed after close, answers dropped")
		return err
	}

	for _, e := range batch {
		if cur, ok := q.pending[e.QuestionIndex]; !ok || cur.seq < e.seq {
			q.pending[e.QuestionIndex] = e
		}
	}

	var notify func(error, int)
	if q.online {
		q.failures++
		if q.failures >= q.cfg.FailureThreshold && !q.escalated {
			q.escalated = true
			notify = q.cfg.OnPersistentFailure
		}
	}
	failures := q.failures
	delay := q.backoff(max(failures, 1))
	q.scheduleLocked(delay)
	q.mu.Unlock()

	q.log.Warn().Err(err).
		Int("entries", len(batch)).
		Int("failures", failures).
		Dur("retry_in", delay).
		Msg("Save failed, will retry")

	if notify != nil {
		notify(err, failures)
	}
	return err
}

// SetOnline feeds the connectivity signal. Coming back online flushes immediately.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	closed := q.closed
	q.mu.Unlock()

	if online && !was && !closed {
		go q.Flush(q.ctx)
	}
}

// Pending returns a copy of the pending entries ordered by question index.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

// Close stops the timers and makes one last attempt to send what is pending, bounded by
// TeardownTimeout. A flush already in flight is given the same deadline. Close does not
// wait for either.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopTimerLocked()
	var batch []Entry
	dropped := 0
	if q.online {
		batch = q.takeLocked()
	} else {
		dropped = len(q.pending)
		q.pending = make(map[int]Entry)
	}
	q.mu.Unlock()

	// A flush already in flight keeps its context until the teardown deadline.
	time.AfterFunc(q.cfg.TeardownTimeout, q.cancel)

	if dropped > 0 {
		q.log.Warn().Int("entries", dropped).Msg("Closed while offline, answers dropped")
	}
	if len(batch) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TeardownTimeout)
		defer cancel()
		if err := q.saver.SaveAnswers(ctx, batch); err != nil {
			q.log.Warn().Err(err).Int("entries", len(batch)).Msg("Final save failed")
		}
	}()
}

// ─── Internal ─────────────────────────────────────────────────────────

func (q *Queue) backoff(failures int) time.Duration {
	d := q.cfg.MinBackoff
	for i := 1; i < failures && d < q.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, q.cfg.MaxBackoff)
}

func (q *Queue) scheduleLocked(d time.Duration) {
	q.stopTimerLocked()
	q.timer = time.AfterFunc(d, func() { q.Flush(q.ctx) })
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) takeLocked() []Entry {
	batch := q.sortedLocked()
	q.pending = make(map[int]Entry)
	return batch
}

func (q *Queue) sortedLocked() []Entry {
	out := make([]Entry, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out
}
