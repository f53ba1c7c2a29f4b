package netx

import (
	"context"
	"errors"

	"p2party/internal/protocol"
)

// Handler receives decoded envelopes from the transport.
type Handler func(env protocol.Envelope)

// Transport is the boundary to whatever actually moves bytes between peers.
// The core assumes nothing stronger than: at most one open connection per
// peer id, best-effort delivery while open. A stale or closed handle found
// mid-send is reported as a send error, never a crash.
type Transport interface {
	// MyID is this peer's current transport id. It changes every time the
	// underlying connection is re-established.
	MyID() string

	// Connect (re)establishes a connection to a known peer.
	Connect(ctx context.Context, peerID string) error

	// Send delivers env to one peer.
	Send(peerID string, env protocol.Envelope) error

	// Broadcast delivers env to every connected peer, best-effort. A failed
	// send to one peer does not block the others.
	Broadcast(env protocol.Envelope)

	OnMessage(fn Handler)
	OnConnClosed(fn func(peerID string))
	OnConnError(fn func(peerID string, err error))

	Close() error
}

// ErrPeerUnreachable reports that the target peer has no usable connection
// and could not be dialed.
var ErrPeerUnreachable = errors.New("netx: peer unreachable")
