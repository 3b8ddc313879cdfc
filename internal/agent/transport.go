package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default link supervision timing for NetTransport.
const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// NetTransport treats reachability of the broker's TCP endpoint as the
// transport link. Connect dials and closes, then a watcher re-dials every
// probe interval. The link is reported down as soon as a re-probe fails or
// MarkDown is called, and stays down until the next successful Connect.
type NetTransport struct {
	addr   string
	dialer net.Dialer

	probeInterval time.Duration
	probeTimeout  time.Duration

	mu   sync.Mutex
	up   bool
	stop chan struct{}
	done chan struct{}
}

// NewNetTransport creates a transport probing host:port.
func NewNetTransport(host string, port int) *NetTransport {
	return &NetTransport{
		addr:          net.JoinHostPort(host, strconv.Itoa(port)),
		probeInterval: defaultProbeInterval,
		probeTimeout:  defaultProbeTimeout,
	}
}

// SetProbeInterval changes how often a live link is re-checked. It takes
// effect on the next Connect.
func (t *NetTransport) SetProbeInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.probeInterval = d
	if d < t.probeTimeout {
		t.probeTimeout = d
	}
	t.mu.Unlock()
}

// Connect probes the endpoint within ctx's deadline and, on success, starts
// watching the link.
func (t *NetTransport) Connect(ctx context.Context) error {
	t.stopWatch()

	if err := t.probe(ctx); err != nil {
		t.setUp(false)
		return fmt.Errorf("dialing %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.up = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.watch(t.stop, t.done, t.probeInterval, t.probeTimeout)
	t.mu.Unlock()
	return nil
}

// Connected reports whether the link is believed up.
func (t *NetTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.up
}

// MarkDown records the link as lost and stops watching it.
func (t *NetTransport) MarkDown() {
	t.stopWatch()
	t.setUp(false)
}

// Close stops the link watcher. The transport may be connected again.
func (t *NetTransport) Close() {
	t.stopWatch()
}

func (t *NetTransport) probe(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	_ = conn.Close() //nolint:errcheck // Probe connection only
	return nil
}

func (t *NetTransport) watch(stop <-chan struct{}, done chan<- struct{}, interval, timeout time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := t.probe(ctx)
			cancel()
			if err != nil {
				t.setUp(false)
				return
			}
		}
	}
}

func (t *NetTransport) stopWatch() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *NetTransport) setUp(up bool) {
	t.mu.Lock()
	t.up = up
	t.mu.Unlock()
}
