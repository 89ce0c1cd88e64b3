package adb

import (
	"context"
	"sync"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/rs/zerolog/log"
)

const defaultWatchInterval = 2 * time.Second

// DeviceLister is the listing capability the watcher polls. *Transport
// implements it.
type DeviceLister interface {
	ListDevicesWithState(ctx context.Context) (map[string]string, error)
}

// Watcher polls the adb server and converts device arrivals, state changes
// and departures into connectivity feed callbacks.
type Watcher struct {
	transport DeviceLister
	feed      fleetagent.ConnectivityFeed
	interval  time.Duration

	known map[string]fleetagent.ConnectivityState

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher that reports device changes to feed. A
// non-positive interval falls back to the default.
func NewWatcher(transport DeviceLister, feed fleetagent.ConnectivityFeed, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Watcher{
		transport: transport,
		feed:      feed,
		interval:  interval,
		known:     make(map[string]fleetagent.ConnectivityState),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop on its own goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		w.pollOnce()
		select {
		case <-w.stopCh:
			return
		case <-time.After(w.interval):
		}
	}
}

// pollOnce diffs the current adb device listing against the last one and
// fires the corresponding feed callbacks.
func (w *Watcher) pollOnce() {
	current, err := w.transport.ListDevicesWithState(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("adb device listing failed")
		return
	}

	seen := make(map[string]fleetagent.ConnectivityState, len(current))
	for serial, raw := range current {
		conn := ConnectivityState(raw)
		seen[serial] = conn
		prev, exists := w.known[serial]
		if !exists {
			w.feed.DeviceConnected(serial, w.transport, conn)
			continue
		}
		if prev != conn {
			w.feed.DeviceChanged(serial, conn)
		}
	}
	for serial := range w.known {
		if _, still := seen[serial]; !still {
			w.feed.DeviceDisconnected(serial)
		}
	}
	w.known = seen
}
