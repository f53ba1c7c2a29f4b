package presence

import (
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func TestJoinCreatesThenRemaps(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	id, remapped := r.Join("", "t-1", "ann", "tok")
	if remapped {
		t.Fatal("fresh join reported as remap")
	}
	if id.LogicalID == "" || id.TransportID != "t-1" {
		t.Fatalf("identity = %+v", id)
	}

	// reconnect under a new transport id with the saved logical id
	again, remapped := r.Join(id.LogicalID, "t-2", "ann2", "tok")
	if !remapped {
		t.Fatal("saved id did not remap")
	}
	if again.LogicalID != id.LogicalID {
		t.Fatalf("logical id changed across reconnect: %s -> %s", id.LogicalID, again.LogicalID)
	}
	if again.TransportID != "t-2" || again.Nickname != "ann2" {
		t.Fatalf("remap did not update binding: %+v", again)
	}
}

func TestJoinRejectsWrongToken(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	id, _ := r.Join("", "t-1", "ann", "secret")

	hijack, remapped := r.Join(id.LogicalID, "t-9", "mallory", "wrong")
	if remapped {
		t.Fatal("remap succeeded with wrong auth token")
	}
	if hijack.LogicalID == id.LogicalID {
		t.Fatal("hijacker got the victim's logical id")
	}
}

func TestJoinNeverRemapsHost(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	host, _ := r.Join("", "t-h", "host", "")
	r.SetHost(host.LogicalID)

	id, remapped := r.Join(host.LogicalID, "t-x", "imposter", "")
	if remapped || id.LogicalID == host.LogicalID {
		t.Fatal("host identity was remapped by a join")
	}
}

func TestExactlyOneHost(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a, _ := r.Join("", "t-a", "a", "")
	b, _ := r.Join("", "t-b", "b", "")

	r.SetHost(a.LogicalID)
	r.SetHost(b.LogicalID)

	hosts := 0
	for _, id := range r.Identities() {
		if id.IsHost {
			hosts++
			if id.LogicalID != b.LogicalID {
				t.Fatalf("wrong host: %s", id.LogicalID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("host count = %d, want 1", hosts)
	}
	if r.HostID() != b.LogicalID {
		t.Fatalf("HostID = %s", r.HostID())
	}
}

func TestMarkLeftIdempotentAgainstReplays(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	id, _ := r.Join("", "t-1", "ann", "")

	if !r.MarkLeft(id.LogicalID, 100, "quit") {
		t.Fatal("first leave rejected")
	}
	if !r.MarkLeft(id.LogicalID, 200, "quit") {
		t.Fatal("newer leave rejected")
	}
	// replay of the older leave must not revert leftAt
	if r.MarkLeft(id.LogicalID, 100, "quit") {
		t.Fatal("stale leave accepted")
	}
	rec, ok := r.RecordOf(id.LogicalID)
	if !ok || rec.LeftAt != 200 || rec.Status != StatusAbsent {
		t.Fatalf("record = %+v", rec)
	}
}

func TestPresentIDsExcludesLeft(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a, _ := r.Join("", "t-a", "a", "")
	b, _ := r.Join("", "t-b", "b", "")
	r.MarkLeft(b.LogicalID, 50, "timeout")

	got := r.PresentIDs()
	if !reflect.DeepEqual(got, []string{a.LogicalID}) {
		t.Fatalf("present = %v", got)
	}
	if len(r.PlayerIDs()) != 2 {
		t.Fatal("absent player dropped from known ids")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, found, err := s.Load("room-1"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	want := SavedIdentity{PlayerID: "p-1", AuthToken: "tok", Nickname: "ann"}
	if err := s.Save("room-1", want); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.Load("room-1")
	if err != nil || !found || got != want {
		t.Fatalf("load = %+v found=%v err=%v", got, found, err)
	}

	if err := s.Delete("room-1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.Load("room-1"); found {
		t.Fatal("identity survived delete")
	}
}
