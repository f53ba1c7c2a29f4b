// Package failover covers host liveness: the heartbeat beacon and monitor,
// the grace-period reconnection attempt after a host loss, and the
// deterministic election that follows when recovery fails.
package failover

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2party/internal/netx"
	"p2party/internal/protocol"
)

// Beacon broadcasts host liveness at a fixed interval. Only the active host
// runs one.
type Beacon struct {
	roomID   string
	hostID   string
	interval time.Duration
	tx       netx.Transport
	log      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewBeacon(roomID, hostID string, interval time.Duration, tx netx.Transport, log *zap.Logger) *Beacon {
	return &Beacon{
		roomID:   roomID,
		hostID:   hostID,
		interval: interval,
		tx:       tx,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (b *Beacon) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.tx.Broadcast(protocol.NewEnvelope(protocol.MsgHeartbeat, b.roomID, b.tx.MyID(),
					protocol.Heartbeat{Timestamp: protocol.Now(), HostID: b.hostID}))
			}
		}
	}()
}

func (b *Beacon) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Monitor watches for heartbeats from the expected host and fires the loss
// callback exactly once per failure event. Heartbeats from anyone else are
// ignored; re-arming happens only when a host is (re)confirmed via Expect.
type Monitor struct {
	timeout time.Duration
	onLoss  func(lostHostID string)
	log     *zap.Logger

	mu       sync.Mutex
	expected string
	timer    *time.Timer
	fired    bool
}

func NewMonitor(timeout time.Duration, onLoss func(lostHostID string), log *zap.Logger) *Monitor {
	return &Monitor{timeout: timeout, onLoss: onLoss, log: log}
}

// Expect (re)arms the monitor for a host id. Clears any previous failure
// state, so a later silence fires the callback again.
func (m *Monitor) Expect(hostID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected = hostID
	m.fired = false
	m.resetLocked()
}

// Observe handles one heartbeat. Only heartbeats naming the expected host
// reset the timer.
func (m *Monitor) Observe(hb protocol.Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expected == "" || hb.HostID != m.expected {
		return
	}
	if m.fired {
		// host came back on its own after we reported it lost; the
		// recovery coordinator owns the state now
		return
	}
	m.resetLocked()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.expected = ""
	m.mu.Unlock()
}

func (m *Monitor) resetLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.fire)
}

func (m *Monitor) fire() {
	m.mu.Lock()
	if m.fired || m.expected == "" {
		m.mu.Unlock()
		return
	}
	m.fired = true
	lost := m.expected
	m.mu.Unlock()

	m.log.Warn("host heartbeat timeout", zap.String("host", lost))
	m.onLoss(lost)
}
