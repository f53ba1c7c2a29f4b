package netx

import (
	"context"
	"sync"

	"p2party/internal/protocol"
)

// Mesh is an in-process transport: every Endpoint reaches every other by id.
// Handy for multi-peer tests and single-process demos without sockets, and
// it can crash an endpoint to exercise failover paths.
type Mesh struct {
	mu  sync.RWMutex
	eps map[string]*Endpoint
}

func NewMesh() *Mesh {
	return &Mesh{eps: make(map[string]*Endpoint)}
}

// Endpoint creates (or re-creates, after a crash) the endpoint for id.
func (m *Mesh) Endpoint(id string) *Endpoint {
	ep := &Endpoint{
		id:    id,
		mesh:  m,
		inbox: make(chan protocol.Envelope, 1024),
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	if old, ok := m.eps[id]; ok {
		old.stop()
	}
	m.eps[id] = ep
	m.mu.Unlock()
	go ep.pump()
	return ep
}

// Crash removes the endpoint abruptly and reports the closed connection to
// every surviving endpoint, like a dropped socket would.
func (m *Mesh) Crash(id string) {
	m.mu.Lock()
	ep, ok := m.eps[id]
	if ok {
		delete(m.eps, id)
	}
	rest := make([]*Endpoint, 0, len(m.eps))
	for _, e := range m.eps {
		rest = append(rest, e)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ep.stop()
	for _, e := range rest {
		e.notifyClosed(id)
	}
}

func (m *Mesh) lookup(id string) (*Endpoint, bool) {
	m.mu.RLock()
	ep, ok := m.eps[id]
	m.mu.RUnlock()
	return ep, ok
}

// Endpoint implements Transport over the mesh. Inbound envelopes go through
// a buffered inbox drained by a single pump goroutine, so handlers on one
// endpoint never run re-entrantly.
type Endpoint struct {
	id   string
	mesh *Mesh

	inbox chan protocol.Envelope
	done  chan struct{}

	mu       sync.RWMutex
	onMsg    Handler
	onClosed func(peerID string)
	onErr    func(peerID string, err error)
	closed   bool
}

func (e *Endpoint) MyID() string { return e.id }

func (e *Endpoint) Connect(ctx context.Context, peerID string) error {
	if _, ok := e.mesh.lookup(peerID); !ok {
		return ErrPeerUnreachable
	}
	return nil
}

func (e *Endpoint) Send(peerID string, env protocol.Envelope) error {
	target, ok := e.mesh.lookup(peerID)
	if !ok {
		return ErrPeerUnreachable
	}
	return target.deliver(env)
}

func (e *Endpoint) Broadcast(env protocol.Envelope) {
	e.mesh.mu.RLock()
	targets := make([]*Endpoint, 0, len(e.mesh.eps))
	for id, ep := range e.mesh.eps {
		if id != e.id {
			targets = append(targets, ep)
		}
	}
	e.mesh.mu.RUnlock()
	for _, t := range targets {
		_ = t.deliver(env)
	}
}

func (e *Endpoint) OnMessage(fn Handler) {
	e.mu.Lock()
	e.onMsg = fn
	e.mu.Unlock()
}

func (e *Endpoint) OnConnClosed(fn func(peerID string)) {
	e.mu.Lock()
	e.onClosed = fn
	e.mu.Unlock()
}

func (e *Endpoint) OnConnError(fn func(peerID string, err error)) {
	e.mu.Lock()
	e.onErr = fn
	e.mu.Unlock()
}

func (e *Endpoint) Close() error {
	e.mesh.mu.Lock()
	if e.mesh.eps[e.id] == e {
		delete(e.mesh.eps, e.id)
	}
	e.mesh.mu.Unlock()
	e.stop()
	return nil
}

func (e *Endpoint) deliver(env protocol.Envelope) error {
	select {
	case <-e.done:
		return ErrPeerUnreachable
	case e.inbox <- env:
		return nil
	}
}

func (e *Endpoint) pump() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.inbox:
			e.mu.RLock()
			fn := e.onMsg
			e.mu.RUnlock()
			if fn != nil {
				fn(env)
			}
		}
	}
}

func (e *Endpoint) notifyClosed(peerID string) {
	e.mu.RLock()
	fn := e.onClosed
	e.mu.RUnlock()
	if fn != nil {
		fn(peerID)
	}
}

func (e *Endpoint) stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.mu.Unlock()
}
