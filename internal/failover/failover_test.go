package failover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"p2party/internal/netx"
	"p2party/internal/protocol"
)

// testPeer is one mesh participant whose transport id equals its logical id.
// It answers discovery probes and routes discovery responses into its
// coordinator, the way a room session does.
type testPeer struct {
	id    string
	ep    *netx.Endpoint
	coord *Coordinator

	mu        sync.Mutex
	recovered []string
	elected   []string
	ended     []error
}

type testCluster struct {
	mesh  *netx.Mesh
	peers map[string]*testPeer
}

func newTestCluster(t *testing.T, ids []string, hostID string, isHost func(id string) bool) *testCluster {
	t.Helper()
	tc := &testCluster{mesh: netx.NewMesh(), peers: make(map[string]*testPeer)}
	all := append([]string{}, ids...)

	for _, id := range ids {
		p := &testPeer{id: id, ep: tc.mesh.Endpoint(id)}
		p.coord = NewCoordinator(CoordinatorConfig{
			RoomID:            "r1",
			SelfID:            func() string { return p.id },
			Candidates:        func() []string { return all },
			TransportOf:       func(logicalID string) (string, bool) { return logicalID, true },
			GracePeriod:       60 * time.Millisecond,
			ReconnectInterval: 10 * time.Millisecond,
			ReconnectAttempts: 2,
			ProbeTimeout:      40 * time.Millisecond,
			BlacklistTTL:      time.Second,
			OnRecovered: func(h string) {
				p.mu.Lock()
				p.recovered = append(p.recovered, h)
				p.mu.Unlock()
			},
			OnElected: func(w string) {
				p.mu.Lock()
				p.elected = append(p.elected, w)
				p.mu.Unlock()
			},
			OnRoomEnded: func(err error) {
				p.mu.Lock()
				p.ended = append(p.ended, err)
				p.mu.Unlock()
			},
			Tx:  p.ep,
			Log: zap.NewNop(),
		})
		peer := p
		p.ep.OnMessage(func(env protocol.Envelope) {
			switch env.Type {
			case protocol.MsgHostDiscoveryReq:
				resp := protocol.HostDiscoveryResponse{
					ResponderID:   peer.id,
					IsHost:        isHost(peer.id),
					CurrentHostID: hostID,
					Timestamp:     protocol.Now(),
				}
				_ = peer.ep.Send(env.Meta.FromID,
					protocol.NewEnvelope(protocol.MsgHostDiscoveryResp, "r1", peer.id, resp))
			case protocol.MsgHostDiscoveryResp:
				var r protocol.HostDiscoveryResponse
				if protocol.DecodePayload(env, &r) == nil {
					peer.coord.OnDiscoveryResponse(r)
				}
			}
		})
		tc.peers[id] = p
	}
	return tc
}

func (p *testPeer) electedWinner(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.elected) > 0 {
			w := p.elected[0]
			p.mu.Unlock()
			return w
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no election outcome")
	return ""
}

func TestDeterministicElectionPicksLowestReachableID(t *testing.T) {
	// candidates deliberately unsorted; host "h" is gone
	tc := newTestCluster(t, []string{"b", "a", "c"}, "h", func(string) bool { return false })

	tc.peers["c"].coord.HostLost(context.Background(), "h")
	if w := tc.peers["c"].electedWinner(t); w != "a" {
		t.Fatalf("elected %q, want %q", w, "a")
	}
}

func TestAtMostOneSelfPromotion(t *testing.T) {
	tc := newTestCluster(t, []string{"b", "a", "c"}, "h", func(string) bool { return false })

	// every survivor races the same failure event
	for _, id := range []string{"a", "b", "c"} {
		tc.peers[id].coord.HostLost(context.Background(), "h")
	}

	var promotions int32
	for _, id := range []string{"a", "b", "c"} {
		p := tc.peers[id]
		w := p.electedWinner(t)
		if w != "a" {
			t.Fatalf("peer %s elected %q, want a", id, w)
		}
		// the room's rule: self-promote only when the winner is yourself
		if w == p.id {
			atomic.AddInt32(&promotions, 1)
		}
	}
	if promotions != 1 {
		t.Fatalf("%d peers would self-promote, want exactly 1", promotions)
	}
}

func TestElectionSkipsUnreachableCandidate(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"}, "h", func(string) bool { return false })
	tc.mesh.Crash("a")

	tc.peers["c"].coord.HostLost(context.Background(), "h")
	if w := tc.peers["c"].electedWinner(t); w != "b" {
		t.Fatalf("elected %q, want %q (a is down)", w, "b")
	}
	// the unreachable candidate landed on the blacklist
	tc.peers["c"].coord.mu.Lock()
	_, black := tc.peers["c"].coord.blacklist["a"]
	tc.peers["c"].coord.mu.Unlock()
	if !black {
		t.Fatal("unreachable candidate not blacklisted")
	}
}

func TestRecoveryWithinGracePeriod(t *testing.T) {
	// host "h" is alive and still answers as host
	tc := newTestCluster(t, []string{"h", "a", "b"}, "h", func(id string) bool { return id == "h" })

	p := tc.peers["b"]
	p.coord.HostLost(context.Background(), "h")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		rec, el := len(p.recovered), len(p.elected)
		p.mu.Unlock()
		if rec > 0 {
			if el != 0 {
				t.Fatal("recovered host but still held an election")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("host never recovered")
}

func TestNoCandidateEndsRoom(t *testing.T) {
	tc := newTestCluster(t, []string{"b"}, "h", func(string) bool { return false })
	tc.mesh.Crash("b") // nobody left but ourselves... and we are not a candidate either

	p := tc.peers["b"]
	// candidate set contains only b, but its endpoint is gone; self wins
	// trivially, so instead test with self excluded via a custom candidate set
	p.coord.cfg.Candidates = func() []string { return []string{"x", "y"} }
	p.coord.cfg.TransportOf = func(string) (string, bool) { return "", false }
	p.coord.HostLost(context.Background(), "h")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.ended) > 0 {
			err := p.ended[0]
			p.mu.Unlock()
			if !errors.Is(err, ErrRoomEnded) {
				t.Fatalf("ended with %v", err)
			}
			return
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("room never ended")
}

// ReconnectAttempts is the total number of reconnect tries, the same reading
// the outbox gives its attempt budget. Each try resolves the lost host's
// transport exactly once, so counting resolutions counts tries.
func TestReconnectAttemptsIsTotalTries(t *testing.T) {
	tc := newTestCluster(t, []string{"b"}, "h", func(string) bool { return false })
	p := tc.peers["b"]

	var hostLookups int32
	p.coord.cfg.GracePeriod = 500 * time.Millisecond // the try cap must bind, not the window
	p.coord.cfg.ReconnectAttempts = 3
	p.coord.cfg.TransportOf = func(logicalID string) (string, bool) {
		if logicalID == "h" {
			atomic.AddInt32(&hostLookups, 1)
			return "", false
		}
		return logicalID, true
	}

	p.coord.HostLost(context.Background(), "h")
	if w := p.electedWinner(t); w != "b" {
		t.Fatalf("elected %q, want b", w)
	}
	if got := atomic.LoadInt32(&hostLookups); got != 3 {
		t.Fatalf("probed the lost host %d times, want exactly 3", got)
	}
}

func TestHostLostIsReentrantSafe(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, "h", func(string) bool { return false })
	p := tc.peers["b"]

	p.coord.HostLost(context.Background(), "h")
	p.coord.HostLost(context.Background(), "h") // duplicate failure report
	p.electedWinner(t)

	time.Sleep(50 * time.Millisecond)
	p.mu.Lock()
	n := len(p.elected)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("%d election outcomes for one failure event, want 1", n)
	}
}

func TestMonitorFiresOncePerFailure(t *testing.T) {
	var fired int32
	m := NewMonitor(30*time.Millisecond, func(string) { atomic.AddInt32(&fired, 1) }, zap.NewNop())
	m.Expect("h")
	defer m.Stop()

	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("loss callback fired %d times, want 1", got)
	}

	// re-arming for a confirmed host makes a later silence fire again
	m.Expect("h2")
	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 2 {
		t.Fatalf("loss callback fired %d times after re-arm, want 2", got)
	}
}

func TestMonitorIgnoresForeignHeartbeats(t *testing.T) {
	var fired int32
	m := NewMonitor(50*time.Millisecond, func(string) { atomic.AddInt32(&fired, 1) }, zap.NewNop())
	m.Expect("h")
	defer m.Stop()

	// a stream of heartbeats from the wrong host must not keep the timer alive
	for i := 0; i < 8; i++ {
		m.Observe(protocol.Heartbeat{HostID: "impostor", Timestamp: protocol.Now()})
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("fired = %d, want 1 (foreign heartbeats must not reset)", got)
	}
}

func TestMonitorResetsOnExpectedHeartbeat(t *testing.T) {
	var fired int32
	m := NewMonitor(60*time.Millisecond, func(string) { atomic.AddInt32(&fired, 1) }, zap.NewNop())
	m.Expect("h")
	defer m.Stop()

	for i := 0; i < 6; i++ {
		m.Observe(protocol.Heartbeat{HostID: "h", Timestamp: protocol.Now()})
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Fatalf("fired = %d while heartbeats kept arriving", got)
	}
}

func TestAbortStopsRecovery(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, "h", func(string) bool { return false })
	p := tc.peers["b"]

	p.coord.HostLost(context.Background(), "h")
	p.coord.Abort("new host announced")

	time.Sleep(200 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.elected) != 0 && p.coord.State() != StateNormal {
		t.Fatal("aborted recovery still produced an election")
	}
	if p.coord.State() != StateNormal {
		t.Fatalf("state = %v after abort", p.coord.State())
	}
}
