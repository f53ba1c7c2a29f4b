package replica

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"p2party/internal/netx"
	"p2party/internal/patch"
	"p2party/internal/protocol"
)

type capture struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *capture) add(env protocol.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *capture) byType(t protocol.MsgType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range c.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEngineMutateBroadcastsVersionedDiffs(t *testing.T) {
	mesh := netx.NewMesh()
	host := mesh.Endpoint("h")
	peer := mesh.Endpoint("p")
	var got capture
	peer.OnMessage(got.add)

	e := NewEngine("r1", host.MyID, host, zap.NewNop())

	for i := 1; i <= 3; i++ {
		n := float64(i)
		if err := e.Mutate(func(doc patch.Doc) error {
			doc["counter"] = n
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if e.Version() != 3 {
		t.Fatalf("version = %d, want 3", e.Version())
	}

	waitFor(t, func() bool { return len(got.byType(protocol.MsgStateDiff)) == 3 })
	diffs := got.byType(protocol.MsgStateDiff)
	for i, env := range diffs {
		var d protocol.DiffPayload
		if err := protocol.DecodePayload(env, &d); err != nil {
			t.Fatal(err)
		}
		if d.Meta.Version != uint64(i+1) {
			t.Fatalf("diff %d carries version %d", i, d.Meta.Version)
		}
	}
}

func TestEngineNoopMutationDoesNotBump(t *testing.T) {
	mesh := netx.NewMesh()
	host := mesh.Endpoint("h")
	e := NewEngine("r1", host.MyID, host, zap.NewNop())

	if err := e.Mutate(func(doc patch.Doc) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if e.Version() != 0 {
		t.Fatalf("no-op mutation bumped version to %d", e.Version())
	}
}

func TestEngineMutateErrorRollsBack(t *testing.T) {
	mesh := netx.NewMesh()
	host := mesh.Endpoint("h")
	e := NewEngine("r1", host.MyID, host, zap.NewNop())
	e.Seed(patch.Doc{"keep": true}, 4)

	boom := errors.New("boom")
	err := e.Mutate(func(doc patch.Doc) error {
		doc["junk"] = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := e.Document()["junk"]; ok {
		t.Fatal("failed mutation left partial state behind")
	}
	if e.Version() != 4 {
		t.Fatalf("version moved on failed mutation: %d", e.Version())
	}
}

func TestEngineSnapshotForTargetsOnePeer(t *testing.T) {
	mesh := netx.NewMesh()
	host := mesh.Endpoint("h")
	p1 := mesh.Endpoint("p1")
	p2 := mesh.Endpoint("p2")
	var got1, got2 capture
	p1.OnMessage(got1.add)
	p2.OnMessage(got2.add)

	e := NewEngine("r1", host.MyID, host, zap.NewNop())
	e.Seed(patch.Doc{"phase": "voting"}, 7)

	if err := e.SnapshotFor("p1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(got1.byType(protocol.MsgStateSnapshot)) == 1 })

	var s protocol.SnapshotPayload
	if err := protocol.DecodePayload(got1.byType(protocol.MsgStateSnapshot)[0], &s); err != nil {
		t.Fatal(err)
	}
	if s.Meta.Version != 7 || s.State["phase"] != "voting" {
		t.Fatalf("snapshot = %+v", s)
	}
	if len(got2.byType(protocol.MsgStateSnapshot)) != 0 {
		t.Fatal("targeted snapshot leaked to another peer")
	}
}

func TestEngineClientRoundTrip(t *testing.T) {
	mesh := netx.NewMesh()
	hostEP := mesh.Endpoint("h")
	peerEP := mesh.Endpoint("p")

	e := NewEngine("r1", hostEP.MyID, hostEP, zap.NewNop())
	c := NewClient(ClientConfig{
		RoomID:     "r1",
		MyID:       peerEP.MyID,
		SendToHost: func(env protocol.Envelope) { _ = peerEP.Send("h", env) },
		Log:        zap.NewNop(),
	})
	peerEP.OnMessage(func(env protocol.Envelope) {
		switch env.Type {
		case protocol.MsgStateSnapshot:
			var s protocol.SnapshotPayload
			if protocol.DecodePayload(env, &s) == nil {
				c.OnSnapshot(s)
			}
		case protocol.MsgStateDiff:
			var d protocol.DiffPayload
			if protocol.DecodePayload(env, &d) == nil {
				c.OnDiff(d)
			}
		}
	})

	if err := e.SnapshotFor("p"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		n := float64(i)
		_ = e.Mutate(func(doc patch.Doc) error {
			doc["counter"] = n
			return nil
		})
	}

	waitFor(t, func() bool { return c.Version() == 5 })
	if got := c.Document()["counter"]; got != float64(5) {
		t.Fatalf("replicated counter = %v", got)
	}
}
