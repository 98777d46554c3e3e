package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-lifecycle/internal/audit"
	"github.com/openclaw/session-lifecycle/internal/metrics"
	"github.com/openclaw/session-lifecycle/internal/model"
	"github.com/openclaw/session-lifecycle/internal/notify"
)

// SessionSweeper is the slice of the registry the monitor depends on.
type SessionSweeper interface {
	FindStale(ctx context.Context, timeout time.Duration) ([]model.Session, error)
	EndIfStale(ctx context.Context, id string, timeout time.Duration) (bool, error)
	ReleaseStuck(ctx context.Context, maxBusy time.Duration) (int64, error)
}

// Locker elects a single monitor across replicas.
type Locker interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
}

type MonitorConfig struct {
	Interval       time.Duration
	SessionTimeout time.Duration
	MaxBusy        time.Duration
	StopTimeout    time.Duration
	TickTimeout    time.Duration
}

type TickResult struct {
	Scanned      int
	Ended        int
	Notified     int
	NotifyFailed int
	Released     int64
	// Skipped is set when the tick did no sweeping: another replica holds the
	// lock or the store was unavailable.
	Skipped bool
}

// InactivityMonitor ends sessions that have been idle for longer than the
// session timeout and dispatches a notification for each one it ends.
type InactivityMonitor struct {
	sessions   SessionSweeper
	dispatcher notify.Dispatcher
	locker     Locker
	cfg        MonitorConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func NewInactivityMonitor(sessions SessionSweeper, dispatcher notify.Dispatcher, locker Locker, cfg MonitorConfig) *InactivityMonitor {
	if dispatcher == nil {
		dispatcher = notify.Nop
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	return &InactivityMonitor{
		sessions:   sessions,
		dispatcher: dispatcher,
		locker:     locker,
		cfg:        cfg,
	}
}

// Start launches the ticker loop. It returns false if the monitor is
// already running, or if a previous loop that outlived its Stop timeout is
// still finishing its tick.
func (m *InactivityMonitor) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return false
	}
	if m.stopped != nil {
		select {
		case <-m.stopped:
		default:
			log.Warn().Msg("previous inactivity monitor loop still draining, not starting")
			return false
		}
	}
	m.running = true
	m.done = make(chan struct{})
	m.stopped = make(chan struct{})

	go m.run(m.done, m.stopped)
	metrics.MonitorRunning.Set(1)
	log.Info().
		Dur("interval", m.cfg.Interval).
		Dur("timeout", m.cfg.SessionTimeout).
		Msg("inactivity monitor started")
	return true
}

// Stop signals the loop and waits for the in-flight tick, bounded by
// StopTimeout. The tick itself is not cancelled.
func (m *InactivityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	stopped := m.stopped
	m.mu.Unlock()

	metrics.MonitorRunning.Set(0)

	if m.cfg.StopTimeout <= 0 {
		<-stopped
		log.Info().Msg("inactivity monitor stopped")
		return
	}

	select {
	case <-stopped:
		log.Info().Msg("inactivity monitor stopped")
	case <-time.After(m.cfg.StopTimeout):
		log.Warn().Dur("timeout", m.cfg.StopTimeout).Msg("inactivity monitor did not stop in time")
	}
}

func (m *InactivityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *InactivityMonitor) run(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *InactivityMonitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TickTimeout)
	defer cancel()

	m.RunOnce(ctx)
}

// RunOnce performs a single sweep. Panics are recovered so the loop survives.
func (m *InactivityMonitor) RunOnce(ctx context.Context) (result TickResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorTicks.WithLabelValues("failed").Inc()
			log.Error().Interface("panic", r).Msg("inactivity monitor tick panicked")
			result.Skipped = true
		}
	}()

	if m.locker != nil {
		held, err := m.locker.TryAcquire(ctx, m.lockTTL())
		if err != nil {
			log.Warn().Err(err).Msg("failed to acquire monitor lock, skipping tick")
			return m.skip("failed")
		}
		if !held {
			log.Debug().Msg("monitor lock held by another instance, skipping tick")
			return m.skip("skipped")
		}
	}

	if m.cfg.MaxBusy > 0 {
		released, err := m.sessions.ReleaseStuck(ctx, m.cfg.MaxBusy)
		if err == nil {
			result.Released = released
		}
	}

	stale, err := m.sessions.FindStale(ctx, m.cfg.SessionTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("session store unavailable, skipping tick")
		released := result.Released
		result = m.skip("failed")
		result.Released = released
		return result
	}
	result.Scanned = len(stale)

	for _, s := range stale {
		m.endSession(ctx, s, &result)
	}

	metrics.MonitorTicks.WithLabelValues("ok").Inc()
	if result.Ended > 0 || result.Released > 0 || result.NotifyFailed > 0 {
		log.Info().
			Int("scanned", result.Scanned).
			Int("ended", result.Ended).
			Int("notified", result.Notified).
			Int("notifyFailed", result.NotifyFailed).
			Int64("released", result.Released).
			Msg("inactivity sweep finished")
	}
	return result
}

func (m *InactivityMonitor) endSession(ctx context.Context, s model.Session, result *TickResult) {
	ended, err := m.sessions.EndIfStale(ctx, s.SessionID, m.cfg.SessionTimeout)
	if err != nil || !ended {
		// A request touched the session after the scan, or another
		// replica ended it first.
		return
	}
	result.Ended++

	log.Info().
		Str("sessionId", s.SessionID).
		Str("user", s.DisplayName()).
		Int("messages", s.MessageCount).
		Time("lastActivity", s.LastActivity).
		Msg("session expired due to inactivity")

	if err := m.dispatcher.Notify(ctx, s.SessionID); err != nil {
		result.NotifyFailed++
		metrics.Notifications.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("sessionId", s.SessionID).Msg("failed to dispatch session notification")
		return
	}

	result.Notified++
	metrics.Notifications.WithLabelValues("sent").Inc()
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionNotified,
		SessionID: s.SessionID,
		Details:   map[string]interface{}{"email": s.UserInfo["email"]},
	})
}

func (m *InactivityMonitor) skip(label string) TickResult {
	metrics.MonitorTicks.WithLabelValues(label).Inc()
	return TickResult{Skipped: true}
}

// lockTTL keeps the lock alive across one missed tick.
func (m *InactivityMonitor) lockTTL() time.Duration {
	return 2 * m.cfg.Interval
}
