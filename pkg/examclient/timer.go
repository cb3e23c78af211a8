package examclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TimerState is what a Timer reports. A user pause takes precedence over a network pause
// when both hold.
type TimerState string

const (
	TimerRunning         TimerState = "running"           // counting down
	TimerPausedByUser    TimerState = "paused_by_user"    // stopped by Pause until Resume
	TimerPausedByNetwork TimerState = "paused_by_network" // stopped while offline
	TimerExpired         TimerState = "expired"           // reached zero; terminal
)

// TimerEventType names the events passed to TimerConfig.OnEvent.
type TimerEventType string

const (
	// EventTick fires every TickInterval while the timer runs.
	EventTick TimerEventType = "tick"
	// EventPaused and EventResumed follow a successful Pause or Resume.
	EventPaused  TimerEventType = "paused"
	EventResumed TimerEventType = "resumed"
	// EventDisconnected fires when the network goes down, then EventDisconnectTick every
	// TickInterval until EventReconnected.
	EventDisconnected   TimerEventType = "disconnected"
	EventDisconnectTick TimerEventType = "disconnect_tick"
	EventReconnected    TimerEventType = "reconnected"
	// EventExpired fires once, when the remaining time reaches zero.
	EventExpired TimerEventType = "expired"
)

var (
	// ErrManualPauseDisabled is returned by Pause when TimerConfig.AllowManualPause is false.
	ErrManualPauseDisabled = errors.New("manual pause is not allowed for this session")
	// ErrTimerExpired is returned by Pause and Resume once the timer has expired.
	ErrTimerExpired = errors.New("timer expired")
)

// TimerEvent is delivered to TimerConfig.OnEvent. Disconnected is set on disconnect ticks
// (time offline so far) and on reconnect (total time offline).
type TimerEvent struct {
	Type         TimerEventType
	State        TimerState
	Remaining    time.Duration
	Disconnected time.Duration
}

// TimerConfig tunes a Timer.
type TimerConfig struct {
	TickInterval     time.Duration // 1s
	AllowManualPause bool
	Clock            func() time.Time
	// OnEvent is called synchronously, outside the timer's lock.
	OnEvent func(TimerEvent)
}

// Timer counts a session's remaining time down. Time only elapses while neither the user
// nor the network has paused it, so a dropped connection never costs the candidate time.
type Timer struct {
	cfg TimerConfig

	mu             sync.Mutex
	remaining      time.Duration
	mark           time.Time
	userPaused     bool
	networkPaused  bool
	expired        bool
	disconnectedAt time.Time
}

// NewTimer creates a running timer with the given time left.
func NewTimer(remaining time.Duration, cfg TimerConfig) *Timer {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	// A timer created with nothing left expires on its first tick.
	return &Timer{cfg: cfg, remaining: max(remaining, 0), mark: cfg.Clock()}
}

// Run ticks until ctx ends or the timer expires.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Tick() == TimerExpired {
				return
			}
		}
	}
}

// Tick accrues elapsed time and emits the per-tick event. It returns the state after the
// tick.
func (t *Timer) Tick() TimerState {
	t.mu.Lock()
	now := t.cfg.Clock()
	wasExpired := t.expired
	t.accrueLocked(now)

	var ev *TimerEvent
	switch {
	case t.expired && !wasExpired:
		ev = t.eventLocked(EventExpired)
	case t.expired:
	case t.networkPaused:
		ev = t.eventLocked(EventDisconnectTick)
		ev.Disconnected = now.Sub(t.disconnectedAt)
	case !t.userPaused:
		ev = t.eventLocked(EventTick)
	}
	state := t.stateLocked()
	t.mu.Unlock()

	t.emit(ev)
	return state
}

// Pause stops the clock on the user's request.
func (t *Timer) Pause() error {
	if !t.cfg.AllowManualPause {
		return ErrManualPauseDisabled
	}
	return t.setUserPaused(true, EventPaused)
}

// Resume lifts a user pause. A network pause still holds the clock.
func (t *Timer) Resume() error {
	return t.setUserPaused(false, EventResumed)
}

func (t *Timer) setUserPaused(paused bool, typ TimerEventType) error {
	t.mu.Lock()
	if t.expired {
		t.mu.Unlock()
		return ErrTimerExpired
	}
	if t.userPaused == paused {
		t.mu.Unlock()
		return nil
	}
	if t.accrueLocked(t.cfg.Clock()) {
		ev := t.eventLocked(EventExpired)
		t.mu.Unlock()
		t.emit(ev)
		return ErrTimerExpired
	}
	t.userPaused = paused
	ev := t.eventLocked(typ)
	t.mu.Unlock()

	t.emit(ev)
	return nil
}

// SetNetwork feeds the connectivity signal, typically from Monitor.Subscribe.
func (t *Timer) SetNetwork(online bool) {
	t.mu.Lock()
	if t.expired || t.networkPaused == !online {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Clock()
	if t.accrueLocked(now) {
		ev := t.eventLocked(EventExpired)
		t.mu.Unlock()
		t.emit(ev)
		return
	}

	var ev *TimerEvent
	if online {
		t.networkPaused = false
		ev = t.eventLocked(EventReconnected)
		ev.Disconnected = now.Sub(t.disconnectedAt)
	} else {
		t.networkPaused = true
		t.disconnectedAt = now
		ev = t.eventLocked(EventDisconnected)
	}
	t.mu.Unlock()

	t.emit(ev)
}

// Remaining returns the time left now.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.remaining
	if t.runningLocked() {
		r -= t.cfg.Clock().Sub(t.mark)
	}
	return max(r, 0)
}

// State returns the current state. A user pause is reported over a network pause.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// ─── Internal ─────────────────────────────────────────────────────────

func (t *Timer) runningLocked() bool {
	return !t.expired && !t.userPaused && !t.networkPaused
}

func (t *Timer) stateLocked() TimerState {
	switch {
	case t.expired:
		return TimerExpired
	case t.userPaused:
		return TimerPausedByUser
	case t.networkPaused:
		return TimerPausedByNetwork
	default:
		return TimerRunning
	}
}

// accrueLocked charges the time since the last mark and reports whether this call expired
// the timer.
func (t *Timer) accrueLocked(now time.Time) bool {
	if t.runningLocked() {
		t.remaining -= now.Sub(t.mark)
	}
	t.mark = now
	if !t.expired && t.remaining <= 0 {
		t.remaining = 0
		t.expired = true
		return true
	}
	return false
}

func (t *Timer) eventLocked(typ TimerEventType) *TimerEvent {
	return &TimerEvent{Type: typ, State: t.stateLocked(), Remaining: t.remaining}
}

func (t *Timer) emit(ev *TimerEvent) {
	if ev != nil && t.cfg.OnEvent != nil {
		t.cfg.OnEvent(*ev)
	}
}
