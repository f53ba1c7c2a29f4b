package netx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"p2party/internal/protocol"
)

// WS implements Transport over gorilla websockets. Every node serves /ws and
// can dial other nodes' /ws endpoints; the first text message each way is the
// hello that binds the socket to a transport id. Writes go through a per-conn
// send channel drained by a single write pump, as the websocket package
// permits only one concurrent writer.

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsPeer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands msg to the write pump. A peer torn down mid-send is a send
// failure, never a panic on its closed channel.
func (p *wsPeer) enqueue(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerUnreachable
	}
	select {
	case p.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (p *wsPeer) shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
	p.mu.Unlock()
}

type WS struct {
	id   string
	addr string
	log  *zap.Logger

	srv *http.Server

	mu    sync.RWMutex
	peers map[string]*wsPeer // transport id -> peer
	urls  map[string]string  // transport id -> last known ws url

	cbMu     sync.RWMutex
	onMsg    Handler
	onClosed func(peerID string)
	onErr    func(peerID string, err error)
}

func NewWS(id, listenAddr string, log *zap.Logger) *WS {
	return &WS{
		id:    id,
		addr:  listenAddr,
		log:   log,
		peers: make(map[string]*wsPeer),
		urls:  make(map[string]string),
	}
}

func (w *WS) MyID() string { return w.id }

func (w *WS) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.Warn("upgrade failed", zap.Error(err))
			return
		}
		go w.handshakeAndServe(ctx, conn)
	})
	w.srv = &http.Server{Addr: w.addr, Handler: mux}
	go func() {
		if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.log.Error("ws server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = w.srv.Close()
	}()
	w.log.Info("ws listening", zap.String("addr", w.addr))
	return nil
}

// AddPeer dials ws://addr/ws and registers the peer after the hello exchange.
func (w *WS) AddPeer(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	go w.handshakeAndServe(ctx, conn)
	return nil
}

// Peers lists the transport ids with an open connection.
func (w *WS) Peers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.peers))
	for id := range w.peers {
		out = append(out, id)
	}
	return out
}

func (w *WS) Connect(ctx context.Context, peerID string) error {
	w.mu.RLock()
	_, connected := w.peers[peerID]
	url := w.urls[peerID]
	w.mu.RUnlock()
	if connected {
		return nil
	}
	if url == "" {
		return ErrPeerUnreachable
	}
	return w.AddPeer(ctx, url)
}

func (w *WS) Send(peerID string, env protocol.Envelope) error {
	w.mu.RLock()
	p, ok := w.peers[peerID]
	w.mu.RUnlock()
	if !ok {
		return ErrPeerUnreachable
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// a full buffer or a torn-down peer is a failed delivery, peer self-heals
	if err := p.enqueue(b); err != nil {
		return fmt.Errorf("send to %s: %w", peerID, err)
	}
	return nil
}

func (w *WS) Broadcast(env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		w.log.Warn("encode error", zap.Error(err))
		return
	}
	w.mu.RLock()
	targets := make(map[string]*wsPeer, len(w.peers))
	for id, p := range w.peers {
		targets[id] = p
	}
	w.mu.RUnlock()
	for id, p := range targets {
		if err := p.enqueue(b); err != nil {
			w.log.Warn("broadcast dropped", zap.String("peer", id), zap.Error(err))
		}
	}
}

func (w *WS) OnMessage(fn Handler) {
	w.cbMu.Lock()
	w.onMsg = fn
	w.cbMu.Unlock()
}

func (w *WS) OnConnClosed(fn func(peerID string)) {
	w.cbMu.Lock()
	w.onClosed = fn
	w.cbMu.Unlock()
}

func (w *WS) OnConnError(fn func(peerID string, err error)) {
	w.cbMu.Lock()
	w.onErr = fn
	w.cbMu.Unlock()
}

func (w *WS) Close() error {
	if w.srv != nil {
		_ = w.srv.Close()
	}
	w.mu.Lock()
	for _, p := range w.peers {
		_ = p.conn.Close()
	}
	w.peers = map[string]*wsPeer{}
	w.mu.Unlock()
	return nil
}

func (w *WS) handshakeAndServe(ctx context.Context, conn *websocket.Conn) {
	me := hello{ID: w.id, ListenAddr: "ws://" + w.addr + "/ws"}
	if err := conn.WriteJSON(me); err != nil {
		_ = conn.Close()
		return
	}
	var h hello
	if err := conn.ReadJSON(&h); err != nil || h.ID == "" {
		w.log.Warn("hello exchange failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	p := &wsPeer{conn: conn, send: make(chan []byte, wsSendBuffer)}
	w.mu.Lock()
	if old, ok := w.peers[h.ID]; ok {
		_ = old.conn.Close()
	}
	w.peers[h.ID] = p
	if h.ListenAddr != "" {
		w.urls[h.ID] = h.ListenAddr
	}
	w.mu.Unlock()
	w.log.Info("peer connected", zap.String("peer", h.ID))

	go w.writePump(p)
	w.readPump(ctx, h.ID, p)
}

func (w *WS) readPump(ctx context.Context, peerID string, p *wsPeer) {
	defer func() {
		_ = p.conn.Close()
		w.mu.Lock()
		if w.peers[peerID] == p {
			delete(w.peers, peerID)
		}
		w.mu.Unlock()
		p.shutdown()
		w.log.Info("peer disconnected", zap.String("peer", peerID))
		w.cbMu.RLock()
		fn := w.onClosed
		w.cbMu.RUnlock()
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
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.cbMu.RLock()
				fn := w.onErr
				w.cbMu.RUnlock()
				if fn != nil {
					fn(peerID, err)
				}
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			w.log.Warn("malformed envelope", zap.String("peer", peerID), zap.Error(err))
			continue
		}
		w.cbMu.RLock()
		fn := w.onMsg
		w.cbMu.RUnlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (w *WS) writePump(p *wsPeer) {
	defer p.conn.Close()
	for msg := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
