// Package netmon provides the single source of truth for network
// connectivity state.
//
// A Monitor polls a Prober at a fixed interval and broadcasts status changes
// to subscribers. One long-lived Monitor is constructed at startup and
// injected into whatever needs connectivity state (the sync queue, the
// daemon); tests inject a fake Prober instead of probing a real network.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// ConnectionType classifies the active network link.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionNone     ConnectionType = "none"
	ConnectionOther    ConnectionType = "other"
)

// Status is the last-known network state. InternetReachable is nil when
// reachability has not been determined.
type Status struct {
	Connected         bool           `json:"is_connected"`
	ConnectionType    ConnectionType `json:"connection_type"`
	InternetReachable *bool          `json:"is_internet_reachable"`
}

// Equal reports whether two statuses are indistinguishable to a subscriber.
func (s Status) Equal(other Status) bool {
	if s.Connected != other.Connected || s.ConnectionType != other.ConnectionType {
		return false
	}
	if (s.InternetReachable == nil) != (other.InternetReachable == nil) {
		return false
	}
	if s.InternetReachable != nil && *s.InternetReachable != *other.InternetReachable {
		return false
	}
	return true
}

// Config holds Monitor configuration.
type Config struct {
	// PollInterval is how often to probe (default: 3s).
	PollInterval time.Duration

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 3 * time.Second,
		Logger:       log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor observes connectivity and publishes change notifications.
type Monitor struct {
	prober Prober
	config *Config

	mu      sync.Mutex
	status  Status
	subs    map[int]func(Status)
	nextSub int
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor around the given prober.
//
// The initial status is offline until the first probe completes; callers
// that need a fresh reading immediately can call Refresh.
func New(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval == 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	return &Monitor{
		prober: prober,
		config: config,
		status: Status{Connected: false, ConnectionType: ConnectionNone},
		subs:   make(map[int]func(Status)),
	}
}

// Start begins polling in a background goroutine. The first probe runs
// immediately so the status is populated before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.Refresh(ctx)

	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop halts polling and waits for the poll goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh probes immediately and publishes the result if it changed.
// Probe failures are treated as offline.
func (m *Monitor) Refresh(ctx context.Context) Status {
	status, err := m.prober.Probe(ctx)
	if err != nil {
		// Fail closed: a broken probe means we assume no network.
		status.Connected = false
		m.config.Logger.Printf("probe failed, assuming offline: %v", err)
	}
	m.publish(status)
	return status
}

// publish records the new status and notifies subscribers if it changed.
// Callbacks run synchronously; no ordering is guaranteed between them.
func (m *Monitor) publish(status Status) {
	m.mu.Lock()
	if m.status.Equal(status) {
		m.mu.Unlock()
		return
	}
	m.status = status

	callbacks := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	m.config.Logger.Printf("status change: connected=%v type=%s", status.Connected, status.ConnectionType)
	for _, fn := range callbacks {
		fn(status)
	}
}

// Subscribe registers a callback invoked on every status change, including
// connection-type changes while still connected. The returned unsubscribe
// function is idempotent and safe to call multiple times.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Current returns the last-known status without re-probing.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports whether the last-known status is connected.
func (m *Monitor) IsOnline() bool {
	return m.Current().Connected
}

// IsWifi reports whether the last-known connection is wifi.
func (m *Monitor) IsWifi() bool {
	s := m.Current()
	return s.Connected && s.ConnectionType == ConnectionWifi
}

// WaitForConnection blocks until the monitor observes a connected status or
// the timeout elapses, whichever comes first. Returns true when connected,
// false on timeout or context cancellation. The temporary subscription is
// always released.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsOnline() {
		return true
	}

	connected := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(s Status) {
		if s.Connected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Re-check after subscribing to close the race with a change that
	// landed between the first check and the subscription.
	if m.IsOnline() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-connected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
