package netmon

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeProber returns a scripted status and can be flipped at runtime.
type fakeProber struct {
	mu     sync.Mutex
	status Status
	err    error
}

func (f *fakeProber) Probe(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeProber) set(status Status, err error) {
	f.mu.Lock()
	f.status = status
	f.err = err
	f.mu.Unlock()
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func newTestMonitor(prober Prober) *Monitor {
	return New(prober, &Config{PollInterval: 10 * time.Millisecond, Logger: testLogger()})
}

func TestCurrentStatusDefaultsOffline(t *testing.T) {
	m := newTestMonitor(&fakeProber{})

	status := m.Current()
	if status.Connected {
		t.Error("expected initial status to be offline")
	}
	if status.ConnectionType != ConnectionNone {
		t.Errorf("expected connection type none, got %s", status.ConnectionType)
	}
}

func TestRefreshUpdatesStatus(t *testing.T) {
	prober := &fakeProber{}
	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, nil)

	m := newTestMonitor(prober)
	m.Refresh(context.Background())

	if !m.IsOnline() {
		t.Error("expected online after refresh")
	}
	if !m.IsWifi() {
		t.Error("expected wifi after refresh")
	}
}

func TestProbeErrorFailsClosed(t *testing.T) {
	prober := &fakeProber{}
	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, errors.New("probe broke"))

	m := newTestMonitor(prober)
	m.Refresh(context.Background())

	if m.IsOnline() {
		t.Error("probe failure must be treated as offline")
	}
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(prober)

	var mu sync.Mutex
	var seen []Status
	m.Subscribe(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	ctx := context.Background()

	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, nil)
	m.Refresh(ctx)

	// Same status again: no notification.
	m.Refresh(ctx)

	// Type change while still connected: notification.
	prober.set(Status{Connected: true, ConnectionType: ConnectionCellular}, nil)
	m.Refresh(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	if seen[0].ConnectionType != ConnectionWifi {
		t.Errorf("first notification type = %s, want wifi", seen[0].ConnectionType)
	}
	if seen[1].ConnectionType != ConnectionCellular {
		t.Errorf("second notification type = %s, want cellular", seen[1].ConnectionType)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(prober)

	var count1, count2 int
	unsub1 := m.Subscribe(func(Status) { count1++ })
	m.Subscribe(func(Status) { count2++ })

	unsub1()
	unsub1() // must not remove anyone else

	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, nil)
	m.Refresh(context.Background())

	if count1 != 0 {
		t.Errorf("unsubscribed callback fired %d times", count1)
	}
	if count2 != 1 {
		t.Errorf("remaining callback fired %d times, want 1", count2)
	}
}

func TestWaitForConnectionAlreadyOnline(t *testing.T) {
	prober := &fakeProber{}
	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, nil)

	m := newTestMonitor(prober)
	m.Refresh(context.Background())

	if !m.WaitForConnection(context.Background(), 10*time.Millisecond) {
		t.Error("expected immediate true when already online")
	}
}

func TestWaitForConnectionTimeout(t *testing.T) {
	m := newTestMonitor(&fakeProber{})

	start := time.Now()
	got := m.WaitForConnection(context.Background(), 30*time.Millisecond)
	if got {
		t.Error("expected false on timeout")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}

	// The temporary subscription must not leak.
	m.mu.Lock()
	remaining := len(m.subs)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected 0 subscriptions after timeout, got %d", remaining)
	}
}

func TestWaitForConnectionUnblocksOnConnect(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(prober)

	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForConnection(context.Background(), 2*time.Second)
	}()

	// Give the waiter time to subscribe, then come online.
	time.Sleep(20 * time.Millisecond)
	prober.set(Status{Connected: true, ConnectionType: ConnectionWifi}, nil)
	m.Refresh(context.Background())

	select {
	case got := <-done:
		if !got {
			t.Error("expected true when connection arrives before timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForConnection did not return after connect")
	}
}

func TestStartPollsUntilStopped(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(prober)

	m.Start(context.Background())
	defer m.Stop()

	prober.set(Status{Connected: true, ConnectionType: ConnectionOther}, nil)

	deadline := time.After(time.Second)
	for !m.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("poll loop never observed the status change")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
