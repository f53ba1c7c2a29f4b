// Package replica implements the versioned state-replication protocol: the
// host-side Engine that owns the authoritative document, and the peer-side
// Client that applies snapshots and diffs in strict version order.
package replica

import (
	"sync"

	"go.uber.org/zap"

	"p2party/internal/netx"
	"p2party/internal/patch"
	"p2party/internal/protocol"
)

// Engine is the sole writer of the authoritative state document. Every
// accepted mutation bumps the version and broadcasts the structural diff;
// snapshots carry the full document for joins and resyncs.
type Engine struct {
	roomID string
	myID   func() string
	tx     netx.Transport
	log    *zap.Logger

	mu      sync.Mutex
	doc     patch.Doc
	version uint64
}

func NewEngine(roomID string, myID func() string, tx netx.Transport, log *zap.Logger) *Engine {
	return &Engine{roomID: roomID, myID: myID, tx: tx, log: log, doc: patch.Doc{}}
}

// Seed installs a starting document and version, used when a promoted peer
// turns its replicated copy into the new authoritative one.
func (e *Engine) Seed(doc patch.Doc, version uint64) {
	e.mu.Lock()
	e.doc = patch.Clone(doc)
	e.version = version
	e.mu.Unlock()
}

func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Document returns an immutable copy of the current state.
func (e *Engine) Document() patch.Doc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return patch.Clone(e.doc)
}

// Mutate applies fn to the document. If fn changed anything, the version is
// bumped and the computed diff broadcast; diffs leave here in version order
// because the whole step holds the engine lock.
func (e *Engine) Mutate(fn func(doc patch.Doc) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := patch.Clone(e.doc)
	if err := fn(e.doc); err != nil {
		e.doc = before
		return err
	}
	p := patch.Diff(before, e.doc)
	if len(p) == 0 {
		return nil
	}
	e.version++
	e.broadcastDiffLocked(p)
	return nil
}

// MutatePatch applies a pre-built patch instead of diffing before/after.
func (e *Engine) MutatePatch(p patch.Patch) {
	if len(p) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	patch.Apply(e.doc, p)
	e.version++
	e.broadcastDiffLocked(p)
}

func (e *Engine) broadcastDiffLocked(p patch.Patch) {
	payload := protocol.DiffPayload{
		Meta: protocol.SnapshotMeta{
			RoomID:     e.roomID,
			Version:    e.version,
			ServerTime: protocol.Now(),
		},
		Patch: patch.Clone(p),
	}
	env := protocol.NewEnvelope(protocol.MsgStateDiff, e.roomID, e.myID(), payload)
	// a failed delivery to one peer is that peer's resync problem, not ours
	e.tx.Broadcast(env)
	e.log.Debug("diff broadcast", zap.Uint64("version", e.version), zap.Int("keys", len(p)))
}

func (e *Engine) snapshotPayload() protocol.SnapshotPayload {
	return protocol.SnapshotPayload{
		Meta: protocol.SnapshotMeta{
			RoomID:     e.roomID,
			Version:    e.version,
			ServerTime: protocol.Now(),
		},
		State: patch.Clone(e.doc),
	}
}

// SnapshotFor sends the full current state to one peer. Used on join and on
// an explicit resync request.
func (e *Engine) SnapshotFor(peerID string) error {
	e.mu.Lock()
	payload := e.snapshotPayload()
	e.mu.Unlock()
	env := protocol.NewEnvelope(protocol.MsgStateSnapshot, e.roomID, e.myID(), payload)
	if err := e.tx.Send(peerID, env); err != nil {
		e.log.Warn("snapshot send failed", zap.String("peer", peerID), zap.Error(err))
		return err
	}
	e.log.Debug("snapshot sent", zap.String("peer", peerID), zap.Uint64("version", payload.Meta.Version))
	return nil
}

// SnapshotAll broadcasts the full state, superseding any diff at or below its
// version. Used after promotion and identity remaps.
func (e *Engine) SnapshotAll() {
	e.mu.Lock()
	payload := e.snapshotPayload()
	e.mu.Unlock()
	e.tx.Broadcast(protocol.NewEnvelope(protocol.MsgStateSnapshot, e.roomID, e.myID(), payload))
	e.log.Info("snapshot broadcast", zap.Uint64("version", payload.Meta.Version))
}
