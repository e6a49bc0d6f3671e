package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober performs one status check.
type Prober interface {
	Check(ctx context.Context) (Report, error)
}

// Monitor polls a Prober on a fixed interval and fans reports out to subscribers.
// Refresh asks for an out-of-band check, e.g. after an OAuth popup closes.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      zerolog.Logger
	refresh  chan struct{}

	mu     sync.Mutex
	last   Report
	subs   map[int]chan Report
	nextID int
}

func NewMonitor(p Prober, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		log:      log,
		refresh:  make(chan struct{}, 1),
		subs:     make(map[int]chan Report),
	}
}

// Run checks immediately, then on every tick or refresh, until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		case <-m.refresh:
			m.check(ctx)
		}
	}
}

// Refresh requests a check. Requests made while one is queued are coalesced.
func (m *Monitor) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe returns a channel that always holds the newest report and an
// unsubscribe func that closes it. The current report, if any, is delivered first.
func (m *Monitor) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	if !m.last.CheckedAt.IsZero() {
		ch <- m.last
	}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) check(ctx context.Context) {
	r, err := m.prober.Check(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.State = Unknown
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.last.CheckedAt.IsZero() || m.last.State != r.State
	m.last = r
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- r
	}
	switch {
	case err != nil && changed:
		m.log.Warn().Err(err).Msg("status check failed")
	case err != nil:
		m.log.Debug().Err(err).Msg("status check failed")
	case changed:
		m.log.Info().Stringer("state", r.State).Msg("integration status changed")
	}
}
