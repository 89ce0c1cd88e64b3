package adb

import (
	"context"
	"sync"
	"testing"

	fleetagent "github.com/httprunner/FleetAgent"
)

type stubLister struct {
	mu     sync.Mutex
	states map[string]string
	err    error
}

func (s *stubLister) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]string, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *stubLister) set(states map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = states
}

type recordingFeed struct {
	mu           sync.Mutex
	connected    []string
	changed      []string
	disconnected []string
	lastConn     map[string]fleetagent.ConnectivityState
}

func newRecordingFeed() *recordingFeed {
	return &recordingFeed{lastConn: make(map[string]fleetagent.ConnectivityState)}
}

func (f *recordingFeed) DeviceConnected(serial string, handle any, conn fleetagent.ConnectivityState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, serial)
	f.lastConn[serial] = conn
}

func (f *recordingFeed) DeviceChanged(serial string, conn fleetagent.ConnectivityState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, serial)
	f.lastConn[serial] = conn
}

func (f *recordingFeed) DeviceDisconnected(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, serial)
}

func TestWatcherDiffsDeviceListings(t *testing.T) {
	lister := &stubLister{states: map[string]string{"serial-1": "device"}}
	feed := newRecordingFeed()
	w := NewWatcher(lister, feed, 0)

	w.pollOnce()
	feed.mu.Lock()
	if len(feed.connected) != 1 || feed.connected[0] != "serial-1" {
		t.Fatalf("connected = %v, want [serial-1]", feed.connected)
	}
	if feed.lastConn["serial-1"] != fleetagent.ConnOnline {
		t.Fatalf("connectivity = %s, want %s", feed.lastConn["serial-1"], fleetagent.ConnOnline)
	}
	feed.mu.Unlock()

	// same listing again: no callbacks
	w.pollOnce()
	feed.mu.Lock()
	if len(feed.connected) != 1 || len(feed.changed) != 0 {
		t.Fatalf("redundant poll fired callbacks: connected=%v changed=%v", feed.connected, feed.changed)
	}
	feed.mu.Unlock()

	// state flip fires a change
	lister.set(map[string]string{"serial-1": "offline"})
	w.pollOnce()
	feed.mu.Lock()
	if len(feed.changed) != 1 || feed.lastConn["serial-1"] != fleetagent.ConnOffline {
		t.Fatalf("changed=%v conn=%s", feed.changed, feed.lastConn["serial-1"])
	}
	feed.mu.Unlock()

	// departure fires a disconnect
	lister.set(nil)
	w.pollOnce()
	feed.mu.Lock()
	if len(feed.disconnected) != 1 || feed.disconnected[0] != "serial-1" {
		t.Fatalf("disconnected = %v, want [serial-1]", feed.disconnected)
	}
	feed.mu.Unlock()
}

func TestWatcherKeepsKnownSetOnListError(t *testing.T) {
	lister := &stubLister{states: map[string]string{"serial-1": "device"}}
	feed := newRecordingFeed()
	w := NewWatcher(lister, feed, 0)
	w.pollOnce()

	lister.mu.Lock()
	lister.err = context.DeadlineExceeded
	lister.mu.Unlock()
	w.pollOnce()

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.disconnected) != 0 {
		t.Fatalf("listing error produced disconnects: %v", feed.disconnected)
	}
}

func TestConnectivityStateMapping(t *testing.T) {
	cases := map[string]fleetagent.ConnectivityState{
		"device":       fleetagent.ConnOnline,
		"online":       fleetagent.ConnOnline,
		"offline":      fleetagent.ConnOffline,
		"unauthorized": fleetagent.ConnUnauthorized,
		"bootloader":   fleetagent.ConnBootloader,
		"fastboot":     fleetagent.ConnBootloader,
		"weird":        fleetagent.ConnNotAvailable,
		"":             fleetagent.ConnNotAvailable,
	}
	for raw, want := range cases {
		if got := ConnectivityState(raw); got != want {
			t.Fatalf("ConnectivityState(%q) = %s, want %s", raw, got, want)
		}
	}
}
