package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// DefaultMaxPending bounds the number of unregistered IDs whose activity is
// buffered while waiting for a registration.
const DefaultMaxPending = 1024

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// entry holds one device and the lock that serialises its mutations.
// An entry with StatusUnknown exists while a first registration is in
// flight or after it failed to persist.
type entry struct {
	mu  sync.Mutex
	dev Device
}

// Registry tracks device metadata and reachability with write-through
// persistence. See the package documentation for the lifecycle.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	mu      sync.RWMutex // Protects devices map membership
	devices map[string]*entry

	pendingMu  sync.Mutex
	pending    map[string]time.Time
	maxPending int

	logger   Logger
	observer Observer
	now      func() time.Time
}

// NewRegistry creates a new device registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:       repo,
		devices:    make(map[string]*entry),
		pending:    make(map[string]time.Time),
		maxPending: DefaultMaxPending,
		logger:     noopLogger{},
		now:        time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetObserver installs the callback for committed changes. It must be
// called before the registry is shared between goroutines.
func (r *Registry) SetObserver(fn Observer) {
	r.observer = fn
}

// SetClock replaces the time source used for registration timestamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetMaxPending changes the bound on buffered activity for unregistered IDs.
func (r *Registry) SetMaxPending(n int) {
	r.pendingMu.Lock()
	r.maxPending = n
	r.pendingMu.Unlock()
}

// RefreshCache reloads all devices from the repository.
// This should be called on application startup, before ingest begins.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*entry, len(devices))
	for i := range devices {
		d := devices[i].DeepCopy()
		r.devices[d.ID] = &entry{dev: *d}
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Register inserts or overwrites a device's metadata, sets it REGISTERED
// and stamps last_seen with the current time. registered_at is kept from
// the first registration.
//
// Activity buffered for the ID before it registered is applied in the same
// step, leaving the device ONLINE.
func (r *Registry) Register(ctx context.Context, id string, meta Metadata) (Device, error) {
	if err := protocol.ValidateDeviceID(id); err != nil {
		return Device{}, fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Device{}, fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}

	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now().UTC()
	prev := e.dev.Status

	next := Device{
		ID:           id,
		Name:         meta.Name,
		Type:         meta.Type,
		Location:     meta.Location,
		Capabilities: meta.Capabilities.Clone(),
		Status:       StatusRegistered,
		RegisteredAt: e.dev.RegisteredAt,
		LastSeen:     now,
		UpdatedAt:    now,
	}
	if next.RegisteredAt.IsZero() {
		next.RegisteredAt = now
	}

	pendingAt, hadPending := r.takePending(id)
	if hadPending {
		next.Status = StatusOnline
		if pendingAt.After(next.LastSeen) {
			next.LastSeen = pendingAt
		}
	}

	if err := r.repo.Upsert(ctx, &next); err != nil {
		if hadPending {
			r.bufferPending(id, pendingAt)
		}
		return Device{}, fmt.Errorf("persisting registration: %w", err)
	}

	e.dev = next
	r.logger.Info("device registered",
		"device_id", id,
		"name", next.Name,
		"type", next.Type,
		"status", next.Status,
	)
	r.notify(Event{Type: EventRegistered, Device: *next.DeepCopy(), Previous: prev})

	return *next.DeepCopy(), nil
}

// RecordActivity notes a heartbeat or telemetry from id received at at.
// last_seen never moves backwards; any non-ONLINE device becomes ONLINE.
//
// For an ID that has not registered the call is a no-op apart from
// buffering at, keeping only the latest timestamp per ID. The buffer is
// applied by the next Register for that ID.
func (r *Registry) RecordActivity(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()

	r.mu.RLock()
	e, ok := r.devices[id]
	if !ok {
		// Buffered under the read lock so a concurrent first Register
		// cannot create the entry between the lookup and the buffer write.
		r.bufferPending(id, at)
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev.Status == StatusUnknown {
		r.bufferPending(id, at)
		return nil
	}

	prev := e.dev.Status
	lastSeen := e.dev.LastSeen
	if at.After(lastSeen) {
		lastSeen = at
	}
	if prev == StatusOnline && lastSeen.Equal(e.dev.LastSeen) {
		return nil
	}

	if err := r.repo.UpdateActivity(ctx, id, StatusOnline, lastSeen); err != nil {
		return fmt.Errorf("persisting activity: %w", err)
	}

	e.dev.Status = StatusOnline
	e.dev.LastSeen = lastSeen
	e.dev.UpdatedAt = r.now().UTC()

	if prev != StatusOnline {
		r.logger.Info("device online", "device_id", id, "previous", prev)
		r.notify(Event{Type: EventStatusChanged, Device: *e.dev.DeepCopy(), Previous: prev})
	}
	return nil
}

// MarkStale demotes every ONLINE device last seen before cutoff to OFFLINE
// and returns the demoted devices. A persistence failure for one device
// leaves it ONLINE and does not stop the sweep.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) ([]Device, error) {
	var demoted []Device
	var errs []error

	for _, e := range r.snapshotEntries() {
		d, changed, err := r.markStale(ctx, e, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			demoted = append(demoted, d)
		}
	}

	return demoted, errors.Join(errs...)
}

func (r *Registry) markStale(ctx context.Context, e *entry, cutoff time.Time) (Device, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev.Status != StatusOnline || !e.dev.LastSeen.Before(cutoff) {
		return Device{}, false, nil
	}

	if err := r.repo.UpdateStatus(ctx, e.dev.ID, StatusOffline); err != nil {
		return Device{}, false, fmt.Errorf("marking %s offline: %w", e.dev.ID, err)
	}

	e.dev.Status = StatusOffline
	e.dev.UpdatedAt = r.now().UTC()

	r.logger.Info("device offline", "device_id", e.dev.ID, "last_seen", e.dev.LastSeen)
	d := *e.dev.DeepCopy()
	r.notify(Event{Type: EventStatusChanged, Device: d, Previous: StatusOnline})
	return d, true, nil
}

// GetDevice returns a snapshot of one registered device.
// Returns ErrDeviceNotFound if the device has not registered.
func (r *Registry) GetDevice(_ context.Context, id string) (Device, error) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return Device{}, ErrDeviceNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.Status == StatusUnknown {
		return Device{}, ErrDeviceNotFound
	}
	return *e.dev.DeepCopy(), nil
}

// ListDevices returns snapshots of all registered devices ordered by ID.
func (r *Registry) ListDevices(_ context.Context) []Device {
	return r.collect(func(Device) bool { return true })
}

// GetDevicesByStatus returns snapshots of registered devices in status.
func (r *Registry) GetDevicesByStatus(_ context.Context, status Status) []Device {
	return r.collect(func(d Device) bool { return d.Status == status })
}

// GetDeviceCount returns the number of registered devices.
func (r *Registry) GetDeviceCount() int {
	return len(r.ListDevices(context.Background()))
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, d := range r.ListDevices(context.Background()) {
		stats.TotalDevices++
		stats.ByStatus[d.Status]++
	}
	return stats
}

// PendingCount returns the number of unregistered IDs with buffered activity.
func (r *Registry) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func (r *Registry) collect(keep func(Device) bool) []Device {
	devices := make([]Device, 0)
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.dev.Status != StatusUnknown && keep(e.dev) {
			devices = append(devices, *e.dev.DeepCopy())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(devices, func(a, b Device) int { return strings.Compare(a.ID, b.ID) })
	return devices
}

// entryFor returns the entry for id, creating an UNKNOWN placeholder.
func (r *Registry) entryFor(id string) *entry {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[id]; ok {
		return e
	}
	e = &entry{dev: Device{ID: id, Status: StatusUnknown}}
	r.devices[id] = e
	return e
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	return entries
}

// bufferPending keeps the latest activity time for an unregistered ID.
func (r *Registry) bufferPending(id string, at time.Time) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	if prev, ok := r.pending[id]; ok {
		if at.After(prev) {
			r.pending[id] = at
		}
		return
	}
	if len(r.pending) >= r.maxPending {
		r.logger.Warn("dropping activity for unregistered device, pending buffer full",
			"device_id", id,
			"limit", r.maxPending,
		)
		return
	}
	r.pending[id] = at
	r.logger.Debug("buffered activity for unregistered device", "device_id", id)
}

func (r *Registry) takePending(id string) (time.Time, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	at, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return at, ok
}

func (r *Registry) notify(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}
