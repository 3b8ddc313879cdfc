// Package heartbeat runs the sweep that marks silent devices OFFLINE.
//
// The sweep runs on a fixed interval regardless of message traffic. Each
// sweep demotes every ONLINE device whose last activity is older than the
// offline timeout.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/iotdash-core/internal/device"
)

// Default timing, matching a 30 second device heartbeat.
const (
	DefaultSweepInterval = 10 * time.Second
	DefaultTimeout       = 90 * time.Second
)

// Registry is the part of the device registry the monitor drives.
type Registry interface {
	MarkStale(ctx context.Context, cutoff time.Time) ([]device.Device, error)
}

// Logger is the logging interface used by the Monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config holds monitor timing.
type Config struct {
	// Interval between sweeps. Default: 10 seconds.
	Interval time.Duration

	// Timeout after which an ONLINE device is considered offline.
	// Default: 90 seconds.
	Timeout time.Duration
}

// Monitor periodically sweeps the registry for stale devices.
type Monitor struct {
	registry Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	logger Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a monitor for registry. Call Start to begin sweeping.
func NewMonitor(registry Registry, cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetClock replaces the time source used to compute the stale cutoff.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Timeout returns the offline timeout in use.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Start begins periodic sweeps until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends the sweep loop and waits for a sweep in progress.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// Sweep runs one pass: every ONLINE device last seen more than the timeout
// before now becomes OFFLINE. It returns the demoted devices.
func (m *Monitor) Sweep(ctx context.Context) []device.Device {
	cutoff := m.now().Add(-m.timeout)
	demoted, err := m.registry.MarkStale(ctx, cutoff)
	if err != nil {
		m.logger.Warn("heartbeat sweep incomplete", "error", err)
	}
	if len(demoted) > 0 {
		m.logger.Debug("heartbeat sweep demoted devices", "count", len(demoted), "cutoff", cutoff)
	}
	return demoted
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
