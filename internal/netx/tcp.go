package netx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"p2party/internal/protocol"
)

// TCP implements Transport over plain sockets with per-conn readers and a
// hello handshake that binds each socket to a peer transport id. Addresses
// learned from hellos are kept so Connect can redial a lost peer.

type TCP struct {
	id   string
	addr string
	log  *zap.Logger

	ln net.Listener

	mu    sync.RWMutex
	peers map[string]net.Conn // transport id -> conn
	addrs map[string]string   // transport id -> last known listen addr

	cbMu     sync.RWMutex
	onMsg    Handler
	onClosed func(peerID string)
	onErr    func(peerID string, err error)
}

func NewTCP(id, listenAddr string, log *zap.Logger) *TCP {
	return &TCP{
		id:    id,
		addr:  listenAddr,
		log:   log,
		peers: make(map[string]net.Conn),
		addrs: make(map[string]string),
	}
}

func (t *TCP) MyID() string { return t.id }

func (t *TCP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.ln = ln
	t.log.Info("tcp listening", zap.String("addr", t.addr))

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				t.log.Warn("accept error", zap.Error(err))
				continue
			}
			go t.handshakeAndServe(ctx, c, false)
		}
	}()
	return nil
}

// AddPeer dials a remote listener and registers it once the hello exchange
// completes.
func (t *TCP) AddPeer(ctx context.Context, addr string) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	go t.handshakeAndServe(ctx, c, true)
	return nil
}

// Peers lists the transport ids with an open connection.
func (t *TCP) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

func (t *TCP) Connect(ctx context.Context, peerID string) error {
	t.mu.RLock()
	_, connected := t.peers[peerID]
	addr := t.addrs[peerID]
	t.mu.RUnlock()
	if connected {
		return nil
	}
	if addr == "" {
		return ErrPeerUnreachable
	}
	return t.AddPeer(ctx, addr)
}

func (t *TCP) Send(peerID string, env protocol.Envelope) error {
	t.mu.RLock()
	c, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return ErrPeerUnreachable
	}
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	if _, err := c.Write(frame); err != nil {
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	return nil
}

func (t *TCP) Broadcast(env protocol.Envelope) {
	frame, err := encodeFrame(env)
	if err != nil {
		t.log.Warn("encode error", zap.Error(err))
		return
	}
	// snapshot of peers to avoid holding the lock across writes
	t.mu.RLock()
	conns := make(map[string]net.Conn, len(t.peers))
	for id, c := range t.peers {
		conns[id] = c
	}
	t.mu.RUnlock()
	for id, c := range conns {
		if _, err := c.Write(frame); err != nil {
			t.log.Warn("broadcast write failed", zap.String("peer", id), zap.Error(err))
			t.emitErr(id, err)
		}
	}
}

func (t *TCP) OnMessage(fn Handler) {
	t.cbMu.Lock()
	t.onMsg = fn
	t.cbMu.Unlock()
}

func (t *TCP) OnConnClosed(fn func(peerID string)) {
	t.cbMu.Lock()
	t.onClosed = fn
	t.cbMu.Unlock()
}

func (t *TCP) OnConnError(fn func(peerID string, err error)) {
	t.cbMu.Lock()
	t.onErr = fn
	t.cbMu.Unlock()
}

func (t *TCP) Close() error {
	if t.ln != nil {
		_ = t.ln.Close()
	}
	t.mu.Lock()
	for _, c := range t.peers {
		_ = c.Close()
	}
	t.peers = map[string]net.Conn{}
	t.mu.Unlock()
	return nil
}

func (t *TCP) handshakeAndServe(ctx context.Context, c net.Conn, dialed bool) {
	r := bufio.NewReader(c)

	frame, err := encodeFrame(hello{ID: t.id, ListenAddr: t.addr})
	if err == nil {
		_, err = c.Write(frame)
	}
	if err != nil {
		t.log.Warn("hello send failed", zap.Error(err))
		_ = c.Close()
		return
	}
	var h hello
	if err := readFrame(r, &h); err != nil || h.ID == "" {
		t.log.Warn("hello read failed", zap.Error(err))
		_ = c.Close()
		return
	}

	t.mu.Lock()
	if old, ok := t.peers[h.ID]; ok {
		_ = old.Close()
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t.peers[h.ID] = c
	if h.ListenAddr != "" {
		t.addrs[h.ID] = h.ListenAddr
	}
	t.mu.Unlock()
	t.log.Info("peer connected", zap.String("peer", h.ID), zap.Bool("dialed", dialed))

	t.readLoop(ctx, h.ID, c, r)
}

func (t *TCP) readLoop(ctx context.Context, peerID string, c net.Conn, r *bufio.Reader) {
	defer func() {
		_ = c.Close()
		t.mu.Lock()
		if t.peers[peerID] == c {
			delete(t.peers, peerID)
		}
		t.mu.Unlock()
		t.log.Info("peer disconnected", zap.String("peer", peerID))
		t.cbMu.RLock()
		fn := t.onClosed
		t.cbMu.RUnlock()
		if fn != nil {
			fn(peerID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var env protocol.Envelope
		if err := readFrame(r, &env); err != nil {
			if err == io.EOF {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Warn("read error", zap.String("peer", peerID), zap.Error(err))
			t.emitErr(peerID, err)
			return
		}
		t.cbMu.RLock()
		fn := t.onMsg
		t.cbMu.RUnlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (t *TCP) emitErr(peerID string, err error) {
	t.cbMu.RLock()
	fn := t.onErr
	t.cbMu.RUnlock()
	if fn != nil {
		fn(peerID, err)
	}
}
