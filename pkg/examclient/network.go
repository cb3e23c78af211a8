package examclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober checks whether the API is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Status is a connectivity change.
type Status struct {
	Online bool
	Since  time.Time
}

// MonitorConfig tunes a Monitor. Zero fields take the defaults below.
type MonitorConfig struct {
	ProbeInterval     time.Duration // 5s
	ProbeTimeout      time.Duration // 3s
	FailuresToOffline int           // 2
	Clock             func() time.Time
	Logger            *zerolog.Logger
}

// Monitor decides connectivity from active probes. It starts online. Hints from the host
// environment (e.g. browser online/offline events) only trigger an early probe; the state
// changes on probe results alone.
type Monitor struct {
	prober Prober
	cfg    MonitorConfig
	log    zerolog.Logger
	hint   chan struct{}

	mu       sync.Mutex
	online   bool
	since    time.Time
	failures int
	subs     []chan Status
}

// NewMonitor creates a Monitor. Call Run to start probing.
func NewMonitor(prober Prober, cfg MonitorConfig) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailuresToOffline <= 0 {
		cfg.FailuresToOffline = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "network_monitor").Logger()
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		log:    log,
		hint:   make(chan struct{}, 1),
		online: true,
		since:  cfg.Clock(),
	}
}

// Subscribe returns a channel receiving every status change. Slow readers only see the
// latest change. The channel is closed when Run returns.
func (m *Monitor) Subscribe() <-chan Status {
	ch := make(chan Status, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Hint asks for an immediate probe. The reported value is only logged.
func (m *Monitor) Hint(online bool) {
	m.log.Debug().Bool("online", online).Msg("Connectivity hint")
	select {
	case m.hint <- struct{}{}:
	default:
	}
}

// Run probes until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	defer m.closeSubs()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.hint:
		}
		m.probe(ctx)
	}
}

// probe runs a single probe and applies the result. Only Run calls it, so sends never race
// with closeSubs.
func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	var changed *Status
	if err != nil {
		m.failures++
		if m.online && m.failures >= m.cfg.FailuresToOffline {
			m.online = false
			m.since = m.cfg.Clock()
			changed = &Status{Online: false, Since: m.since}
		}
	} else {
		m.failures = 0
		if !m.online {
			m.online = true
			m.since = m.cfg.Clock()
			changed = &Status{Online: true, Since: m.since}
		}
	}
	subs := m.subs
	m.mu.Unlock()

	if err != nil {
		m.log.Debug().Err(err).Msg("Probe failed")
	}
	if changed == nil {
		return
	}
	m.log.Info().Bool("online", changed.Online).Msg("Connectivity changed")
	for _, ch := range subs {
		// Replace an unread status with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *changed:
		default:
		}
	}
}

func (m *Monitor) closeSubs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}
