package history

import (
	"context"
	"sync"
	"time"
)

// DefaultPruneInterval is how often retention runs when no interval is set.
const DefaultPruneInterval = time.Hour

// Logger is the logging interface used by the Pruner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Pruner periodically deletes readings and commands older than the
// retention period.
type Pruner struct {
	readings  ReadingStore
	commands  CommandStore
	retention time.Duration
	interval  time.Duration
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPruner creates a retention loop. Either store may be nil. A zero
// interval uses DefaultPruneInterval.
func NewPruner(readings ReadingStore, commands CommandStore, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{
		readings:  readings,
		commands:  commands,
		retention: retention,
		interval:  interval,
		logger:    noopLogger{},
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the pruner.
func (p *Pruner) SetLogger(logger Logger) {
	p.logger = logger
}

// Start runs one prune immediately and then every interval until ctx is
// cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends the loop and waits for an in-progress prune to finish.
// Safe to call multiple times.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// PruneOnce deletes expired rows from both stores.
func (p *Pruner) PruneOnce(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	if p.readings != nil {
		n, err := p.readings.PruneReadings(ctx, p.retention)
		if err != nil {
			p.logger.Error("pruning sensor readings failed", "error", err)
		} else if n > 0 {
			p.logger.Info("pruned sensor readings", "rows", n, "retention", p.retention)
		}
	}
	if p.commands != nil {
		n, err := p.commands.PruneCommands(ctx, p.retention)
		if err != nil {
			p.logger.Error("pruning control commands failed", "error", err)
		} else if n > 0 {
			p.logger.Info("pruned control commands", "rows", n, "retention", p.retention)
		}
	}
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}
