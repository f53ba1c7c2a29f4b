// Package dispatch routes inbound envelopes to per-type handlers after
// protocol and room validation. Invalid traffic is logged and dropped; a
// dispatch never returns an error to the transport.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"p2party/internal/protocol"
)

const defaultDedupLimit = 4096

type Handler func(env protocol.Envelope)

type Dispatcher struct {
	roomID     string
	dedupLimit int
	log        *zap.Logger

	mu       sync.RWMutex
	handlers map[protocol.MsgType]Handler
	seen     map[string]struct{}
}

func New(roomID string, dedupLimit int, log *zap.Logger) *Dispatcher {
	if dedupLimit <= 0 {
		dedupLimit = defaultDedupLimit
	}
	return &Dispatcher{
		roomID:     roomID,
		dedupLimit: dedupLimit,
		log:        log,
		handlers:   make(map[protocol.MsgType]Handler),
		seen:       make(map[string]struct{}),
	}
}

// Register binds a handler for one message type. All registrations happen
// during session wiring, before any traffic flows.
func (d *Dispatcher) Register(t protocol.MsgType, fn Handler) {
	d.mu.Lock()
	d.handlers[t] = fn
	d.mu.Unlock()
}

// Dispatch validates and routes one envelope. Unknown type, protocol-version
// mismatch, foreign room id and replays are dropped silently (with logs).
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	if env.ProtoVersion != protocol.ProtoVersion {
		d.log.Debug("drop: protocol version mismatch",
			zap.Int("got", env.ProtoVersion), zap.Int("want", protocol.ProtoVersion))
		return
	}
	if env.Meta.RoomID != d.roomID {
		d.log.Debug("drop: foreign room",
			zap.String("room", env.Meta.RoomID), zap.String("type", string(env.Type)))
		return
	}

	key := fmt.Sprintf("%s|%s|%s|%d", env.Type, env.Meta.RoomID, env.Meta.FromID, env.Meta.TS)
	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		d.log.Debug("drop: duplicate delivery", zap.String("key", key))
		return
	}
	if len(d.seen) >= d.dedupLimit {
		// bounded memory under long sessions: reset rather than grow
		d.seen = make(map[string]struct{})
	}
	d.seen[key] = struct{}{}
	fn, known := d.handlers[env.Type]
	d.mu.Unlock()

	if !known {
		d.log.Warn("drop: unknown message type", zap.String("type", string(env.Type)))
		return
	}

	protocol.Observe(env.Meta.TS)
	fn(env)
}
