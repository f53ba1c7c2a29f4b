package replica

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"p2party/internal/patch"
	"p2party/internal/protocol"
)

// ClientConfig wires a replica client to its room.
type ClientConfig struct {
	RoomID string
	MyID   func() string
	// SendToHost routes an envelope to whoever the room currently believes
	// is the host. Best-effort.
	SendToHost func(env protocol.Envelope)
	// SnapshotWait bounds how long the client waits for a real snapshot
	// after requesting state before accepting a legacy full-state message
	// as a degraded baseline.
	SnapshotWait time.Duration
	// OnChange, if set, runs after every applied snapshot or diff with an
	// immutable copy of the document.
	OnChange func(doc patch.Doc, version uint64)
	Log      *zap.Logger
}

// maxDiffBuffer caps how many out-of-order diffs a client holds. Anything
// evicted is recovered by the snapshot or resync that is already on its way.
const maxDiffBuffer = 512

// Client replicates the host's document. Diffs are applied strictly in
// version order: a gap buffers the diff and asks the host for a resync, never
// skips.
type Client struct {
	cfg ClientConfig

	mu           sync.Mutex
	doc          patch.Doc
	version      uint64
	initReceived bool
	buffer       map[uint64]protocol.DiffPayload

	legacyTimer *time.Timer
	legacyArmed bool
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg, doc: patch.Doc{}, buffer: make(map[uint64]protocol.DiffPayload)}
}

func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) InitReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initReceived
}

// Document returns an immutable copy of the replicated state.
func (c *Client) Document() patch.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return patch.Clone(c.doc)
}

// RequestState asks the host for a baseline and arms the legacy fallback
// timer. Called on join and whenever the client suspects it is behind.
func (c *Client) RequestState(reason string) {
	c.mu.Lock()
	c.armLegacyLocked()
	ver := c.version
	c.mu.Unlock()

	c.cfg.SendToHost(protocol.NewEnvelope(protocol.MsgResyncRequest, c.cfg.RoomID, c.cfg.MyID(),
		protocol.ResyncRequest{RoomID: c.cfg.RoomID, FromVersion: ver, Reason: reason}))
}

// OnSnapshot replaces local state wholesale, then drains any buffered diffs
// that follow it in version order. Buffered diffs at or below the snapshot
// version are dropped, never re-applied.
func (c *Client) OnSnapshot(p protocol.SnapshotPayload) {
	c.mu.Lock()
	c.disarmLegacyLocked()
	c.doc = patch.Clone(p.State)
	c.version = p.Meta.Version
	c.initReceived = true
	for v := range c.buffer {
		if v <= c.version {
			delete(c.buffer, v)
		}
	}
	c.drainLocked()
	doc, ver := patch.Clone(c.doc), c.version
	c.mu.Unlock()

	c.cfg.Log.Info("snapshot applied", zap.Uint64("version", ver))
	c.ack(ver)
	c.changed(doc, ver)
}

// OnDiff applies p if it is exactly the next version, buffers it (and asks
// for a resync) if it is ahead, and discards it if already applied.
func (c *Client) OnDiff(p protocol.DiffPayload) {
	c.mu.Lock()
	if !c.initReceived {
		c.bufferLocked(p)
		c.mu.Unlock()
		return
	}
	switch {
	case p.Meta.Version <= c.version:
		c.mu.Unlock()
		return
	case p.Meta.Version == c.version+1:
		patch.Apply(c.doc, p.Patch)
		c.version = p.Meta.Version
		c.drainLocked()
		doc, ver := patch.Clone(c.doc), c.version
		c.mu.Unlock()
		c.ack(ver)
		c.changed(doc, ver)
	default:
		c.bufferLocked(p)
		lastGood := c.version
		c.mu.Unlock()
		c.cfg.Log.Warn("diff gap, requesting resync",
			zap.Uint64("have", lastGood), zap.Uint64("got", p.Meta.Version))
		c.cfg.SendToHost(protocol.NewEnvelope(protocol.MsgResyncRequest, c.cfg.RoomID, c.cfg.MyID(),
			protocol.ResyncRequest{RoomID: c.cfg.RoomID, FromVersion: lastGood, Reason: "diff gap"}))
	}
}

// OnLegacyState accepts an unversioned full-state message as an ad hoc
// baseline, but only while the legacy fallback is armed and no real snapshot
// has landed. Explicit degraded path.
func (c *Client) OnLegacyState(p protocol.LegacyState) {
	c.mu.Lock()
	if !c.legacyArmed || c.initReceived {
		c.mu.Unlock()
		return
	}
	c.legacyArmed = false
	c.doc = patch.Clone(p.State)
	c.initReceived = true
	doc, ver := patch.Clone(c.doc), c.version
	c.mu.Unlock()

	c.cfg.Log.Warn("degraded: accepted legacy full-state as baseline")
	c.changed(doc, ver)
}

// Stop cancels any armed fallback timer.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.legacyTimer != nil {
		c.legacyTimer.Stop()
		c.legacyTimer = nil
	}
	c.legacyArmed = false
	c.mu.Unlock()
}

// bufferLocked stores an out-of-order diff, evicting the lowest versions when
// the buffer is over its cap so a slow baseline cannot grow it without bound.
func (c *Client) bufferLocked(p protocol.DiffPayload) {
	c.buffer[p.Meta.Version] = p
	for len(c.buffer) > maxDiffBuffer {
		lowest := uint64(0)
		for v := range c.buffer {
			if lowest == 0 || v < lowest {
				lowest = v
			}
		}
		delete(c.buffer, lowest)
	}
}

func (c *Client) drainLocked() {
	for {
		next, ok := c.buffer[c.version+1]
		if !ok {
			return
		}
		delete(c.buffer, c.version+1)
		patch.Apply(c.doc, next.Patch)
		c.version = next.Meta.Version
	}
}

func (c *Client) armLegacyLocked() {
	if c.initReceived {
		return
	}
	if c.legacyTimer != nil {
		c.legacyTimer.Stop()
	}
	wait := c.cfg.SnapshotWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	c.legacyTimer = time.AfterFunc(wait, func() {
		c.mu.Lock()
		if !c.initReceived {
			c.legacyArmed = true
		}
		c.mu.Unlock()
	})
}

func (c *Client) disarmLegacyLocked() {
	if c.legacyTimer != nil {
		c.legacyTimer.Stop()
		c.legacyTimer = nil
	}
	c.legacyArmed = false
}

func (c *Client) ack(version uint64) {
	c.cfg.SendToHost(protocol.NewEnvelope(protocol.MsgStateAck, c.cfg.RoomID, c.cfg.MyID(),
		protocol.StateAck{RoomID: c.cfg.RoomID, Version: version, ReceivedAt: protocol.Now()}))
}

func (c *Client) changed(doc patch.Doc, version uint64) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(doc, version)
	}
}
