// Package room wires the replication, presence, failover and action-queue
// pieces into one peer session. A session plays exactly one of two roles at a
// time: host (sole writer of the authoritative document) or client (replica
// that can be promoted when the host is lost).
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2party/internal/actionq"
	"p2party/internal/dispatch"
	"p2party/internal/failover"
	"p2party/internal/netx"
	"p2party/internal/patch"
	"p2party/internal/presence"
	"p2party/internal/protocol"
	"p2party/internal/replica"
	"p2party/pkg/types"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusEnded        Status = "ended"
)

// Session is one peer's view of a room.
type Session struct {
	cfg   *types.Config
	rules GameRules
	tx    netx.Transport
	store *presence.Store // nil means no durable identity
	log   *zap.Logger

	disp    *dispatch.Dispatcher
	reg     *presence.Registry
	queue   *actionq.Queue
	outbox  *actionq.Outbox
	monitor *failover.Monitor
	coord   *failover.Coordinator
	client  *replica.Client

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	status        Status
	isHost        bool
	self          presence.Identity
	hostLogicalID string
	hostTransport string
	engine        *replica.Engine // non-nil only while hosting
	beacon        *failover.Beacon

	onEnded  func(error)
	onChange func(doc patch.Doc, version uint64)
}

// NewSession builds a session around an already-constructed transport. store
// may be nil, in which case the peer joins every room as a fresh player.
func NewSession(cfg *types.Config, rules GameRules, tx netx.Transport, store *presence.Store, log *zap.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		rules:  rules,
		tx:     tx,
		store:  store,
		log:    log,
		status: StatusDisconnected,
	}
	s.disp = dispatch.New(cfg.RoomID, cfg.DedupLimit, log)
	s.reg = presence.NewRegistry(log)
	s.queue = actionq.NewQueue()
	s.client = replica.NewClient(replica.ClientConfig{
		RoomID:       cfg.RoomID,
		MyID:         tx.MyID,
		SendToHost:   s.sendToHost,
		SnapshotWait: cfg.SnapshotWait,
		OnChange:     s.onDocChange,
		Log:          log,
	})
	s.outbox = actionq.NewOutbox(actionq.OutboxConfig{
		RoomID:     cfg.RoomID,
		MyID:       tx.MyID,
		PlayerID:   s.PlayerID,
		SendToHost: s.sendToHost,
		Attempts:   cfg.ActionAttempts,
		Backoff:    cfg.ActionBackoff,
		OnSettled: func(ackKey string, ok bool) {
			log.Debug("action settled", zap.String("ackKey", ackKey), zap.Bool("ok", ok))
		},
		Log: log,
	})
	s.monitor = failover.NewMonitor(cfg.HeartbeatTimeout, s.onHostLoss, log)
	s.coord = failover.NewCoordinator(failover.CoordinatorConfig{
		RoomID:     cfg.RoomID,
		SelfID:     s.PlayerID,
		Candidates: s.reg.PresentIDs,
		TransportOf: func(logicalID string) (string, bool) {
			id, ok := s.reg.Get(logicalID)
			return id.TransportID, ok
		},
		GracePeriod:       cfg.GracePeriod,
		ReconnectInterval: cfg.ReconnectInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ProbeTimeout:      cfg.ProbeTimeout,
		BlacklistTTL:      cfg.BlacklistTTL,
		OnRecovered:       s.onHostRecovered,
		OnElected:         s.onElected,
		OnRoomEnded:       s.onRoomEnded,
		Tx:                tx,
		Log:               log,
	})
	return s
}

// OnEnded registers the terminal-failure callback.
func (s *Session) OnEnded(fn func(error)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// OnStateChange registers a callback fired with an immutable copy of the
// document after every applied change, on both roles.
func (s *Session) OnStateChange(fn func(doc patch.Doc, version uint64)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// PlayerID is this peer's stable logical id. Empty until the host has
// assigned one (clients learn theirs from player_id_updated).
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.LogicalID
}

// HostID is the logical id of the current host as this peer believes it.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostLogicalID
}

// Players returns the known roster.
func (s *Session) Players() []presence.Identity {
	return s.reg.Identities()
}

// Document returns an immutable copy of the current state, authoritative when
// hosting, replicated otherwise.
func (s *Session) Document() patch.Doc {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		return eng.Document()
	}
	return s.client.Document()
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		return eng.Version()
	}
	return s.client.Version()
}

// start wires the dispatcher to the transport. Shared by Host and Join.
func (s *Session) start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.registerHandlers()
	s.tx.OnMessage(s.disp.Dispatch)
	s.tx.OnConnClosed(s.onConnClosed)
	s.tx.OnConnError(func(peerID string, err error) {
		s.log.Debug("connection error", zap.String("peer", peerID), zap.Error(err))
	})
}

func (s *Session) registerHandlers() {
	s.disp.Register(protocol.MsgJoinRequest, s.handleJoinRequest)
	s.disp.Register(protocol.MsgResyncRequest, s.handleResyncRequest)
	s.disp.Register(protocol.MsgStateAck, s.handleStateAck)
	s.disp.Register(protocol.MsgUserLeftRoom, s.handleUserLeftRoom)
	s.disp.Register(protocol.MsgActionRequest, s.handleActionRequest)
	s.disp.Register(protocol.MsgClientHostAck, s.handleClientHostAck)

	s.disp.Register(protocol.MsgStateSnapshot, s.handleSnapshot)
	s.disp.Register(protocol.MsgStateDiff, s.handleDiff)
	s.disp.Register(protocol.MsgLegacyState, s.handleLegacyState)
	s.disp.Register(protocol.MsgHeartbeat, s.handleHeartbeat)
	s.disp.Register(protocol.MsgNewHostID, s.handleNewHostID)
	s.disp.Register(protocol.MsgPlayerIDUpdated, s.handlePlayerIDUpdated)
	s.disp.Register(protocol.MsgUserLeftBcast, s.handleUserLeftBcast)
	s.disp.Register(protocol.MsgUserJoinedBcast, s.handleUserJoinedBcast)
	s.disp.Register(protocol.MsgActionAck, s.handleActionAck)

	s.disp.Register(protocol.MsgHostDiscoveryReq, s.handleDiscoveryRequest)
	s.disp.Register(protocol.MsgHostDiscoveryResp, s.handleDiscoveryResponse)
}

// SubmitAction submits one game action. On the host it runs the action
// pipeline directly; on a client it goes through the retrying outbox and
// blocks until acknowledged or the budget is spent.
func (s *Session) SubmitAction(ctx context.Context, action string, payload any) (protocol.ActionAck, error) {
	s.mu.Lock()
	hosting := s.isHost
	playerID := s.self.LogicalID
	s.mu.Unlock()

	if !hosting {
		return s.outbox.Submit(ctx, action, payload)
	}

	req := protocol.ActionRequest{
		Action:   action,
		AckKey:   protocol.NewAckKey(),
		PlayerID: playerID,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return protocol.ActionAck{}, err
		}
		req.Payload = b
	}
	var result protocol.ActionAck
	s.applyAction(req, func(ok bool, reason string) {
		result = protocol.ActionAck{AckKey: req.AckKey, OK: ok, Reason: reason}
	})
	return result, nil
}

// Leave announces departure, forgets the saved identity for this room and
// shuts the session down.
func (s *Session) Leave() {
	s.mu.Lock()
	hosting := s.isHost
	playerID := s.self.LogicalID
	s.mu.Unlock()

	if !hosting && playerID != "" {
		s.sendToHost(protocol.NewEnvelope(protocol.MsgUserLeftRoom, s.cfg.RoomID, s.tx.MyID(),
			protocol.UserLeft{
				UserID:    playerID,
				RoomID:    s.cfg.RoomID,
				Timestamp: protocol.Now(),
				Reason:    "left",
			}))
	}
	if s.store != nil {
		if err := s.store.Delete(s.cfg.RoomID); err != nil {
			s.log.Warn("saved identity delete failed", zap.Error(err))
		}
	}
	s.Close()
}

// Close tears the session down without announcing anything.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	beacon := s.beacon
	if s.status != StatusEnded {
		s.status = StatusDisconnected
	}
	s.mu.Unlock()

	if beacon != nil {
		beacon.Stop()
	}
	s.monitor.Stop()
	s.coord.Abort("session closed")
	s.client.Stop()
	if cancel != nil {
		cancel()
	}
	if err := s.tx.Close(); err != nil {
		s.log.Debug("transport close", zap.Error(err))
	}
}

// sendToHost routes an envelope to the current host's transport. Before the
// first heartbeat or snapshot pins the host down it falls back to broadcast;
// non-hosts drop envelopes that are not addressed to them by type anyway.
func (s *Session) sendToHost(env protocol.Envelope) {
	s.mu.Lock()
	target := s.hostTransport
	s.mu.Unlock()

	if target == "" {
		s.tx.Broadcast(env)
		return
	}
	if err := s.tx.Send(target, env); err != nil {
		s.log.Warn("send to host failed", zap.String("host", target),
			zap.String("type", string(env.Type)), zap.Error(err))
	}
}

func (s *Session) onConnClosed(peerID string) {
	s.mu.Lock()
	hosting := s.isHost
	hostTransport := s.hostTransport
	s.mu.Unlock()

	if hosting {
		if id, ok := s.reg.ByTransport(peerID); ok && !id.IsHost {
			s.log.Info("peer connection closed", zap.String("player", id.LogicalID))
			s.markDisconnected(id.LogicalID, protocol.Now(), "connection closed")
		}
		return
	}
	if peerID == hostTransport {
		// detection stays with the heartbeat monitor so a transient drop
		// inside the heartbeat window does not trigger recovery
		s.log.Warn("host connection closed, awaiting heartbeat verdict",
			zap.String("host", peerID))
	}
}

// loadOrNewIdentity pulls this peer's durable identity for the room, minting
// a fresh auth token when none is saved.
func (s *Session) loadOrNewIdentity() presence.SavedIdentity {
	if s.store != nil {
		if saved, ok, err := s.store.Load(s.cfg.RoomID); err != nil {
			s.log.Warn("saved identity load failed", zap.Error(err))
		} else if ok {
			return saved
		}
	}
	return presence.SavedIdentity{AuthToken: protocol.NewAuthToken(), Nickname: s.cfg.Nickname}
}

func (s *Session) persistIdentity(id presence.SavedIdentity) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.cfg.RoomID, id); err != nil {
		s.log.Warn("saved identity persist failed", zap.Error(err))
	}
}

// waitOrDone sleeps for d unless the session context ends first.
func (s *Session) waitOrDone(d time.Duration) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		time.Sleep(d)
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
