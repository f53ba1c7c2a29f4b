package room

import (
	"context"

	"go.uber.org/zap"

	"p2party/internal/failover"
	"p2party/internal/patch"
	"p2party/internal/presence"
	"p2party/internal/protocol"
	"p2party/internal/replica"
)

// Host starts this session as the room's host: authoritative document seeded
// from the rules' initial state, heartbeat beacon running.
func (s *Session) Host(ctx context.Context) error {
	s.start(ctx)

	saved := s.loadOrNewIdentity()
	if saved.PlayerID == "" {
		saved.PlayerID = protocol.NewPlayerID()
	}
	self := presence.Identity{
		LogicalID:   saved.PlayerID,
		TransportID: s.tx.MyID(),
		Nickname:    s.cfg.Nickname,
		AuthToken:   saved.AuthToken,
		IsHost:      true,
	}

	engine := replica.NewEngine(s.cfg.RoomID, s.tx.MyID, s.tx, s.log)
	doc := s.rules.InitialState()
	if doc == nil {
		doc = patch.Doc{}
	}
	doc[docKeyHostID] = self.LogicalID
	doc[docKeyPlayers] = map[string]any{
		self.LogicalID: rosterEntry(self, string(presence.StatusPresent)),
	}
	engine.Seed(doc, 1)

	s.mu.Lock()
	s.isHost = true
	s.self = self
	s.hostLogicalID = self.LogicalID
	s.hostTransport = s.tx.MyID()
	s.engine = engine
	s.status = StatusConnected
	rctx := s.ctx
	s.mu.Unlock()

	s.reg.Add(self)
	s.reg.SetHost(self.LogicalID)
	s.persistIdentity(saved)

	beacon := failover.NewBeacon(s.cfg.RoomID, self.LogicalID, s.cfg.HeartbeatInterval, s.tx, s.log)
	beacon.Start(rctx)
	s.mu.Lock()
	s.beacon = beacon
	s.mu.Unlock()

	s.log.Info("hosting room",
		zap.String("room", s.cfg.RoomID), zap.String("player", self.LogicalID))
	return nil
}

func (s *Session) engineRef() *replica.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// handleJoinRequest resolves the joiner's identity, rewrites stale document
// references onto the assigned id when the saved identity was lost, and sends
// the joiner its baseline snapshot plus its assigned id.
func (s *Session) handleJoinRequest(env protocol.Envelope) {
	eng := s.engineRef()
	if eng == nil {
		return
	}
	var req protocol.JoinRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.log.Warn("bad join request", zap.Error(err))
		return
	}
	transportID := env.Meta.FromID

	ident, remapped := s.reg.Join(req.SavedPlayerID, transportID, req.Nickname, req.AuthToken)

	// Saved id unknown to the registry (a host change lost it) but possibly
	// still referenced in the document: carry those references over to the
	// freshly assigned id. A saved id the registry still holds was rejected
	// for a token mismatch, and its references stay where they are.
	rewriteFrom := ""
	if !remapped && req.SavedPlayerID != "" {
		if _, exists := s.reg.Get(req.SavedPlayerID); !exists {
			rewriteFrom = req.SavedPlayerID
		}
	}

	rewrote := 0
	err := eng.Mutate(func(doc patch.Doc) error {
		if rewriteFrom != "" {
			rewrote = patch.RewriteID(doc, rewriteFrom, ident.LogicalID)
		}
		setRosterEntry(doc, ident, string(presence.StatusPresent))
		return nil
	})
	if err != nil {
		s.log.Error("join mutation failed", zap.Error(err))
		return
	}

	if err := eng.SnapshotFor(transportID); err != nil {
		s.log.Warn("join snapshot failed", zap.String("peer", transportID), zap.Error(err))
	}

	// the assignment message; for a straight remap old == new
	oldID := req.SavedPlayerID
	if remapped {
		oldID = ident.LogicalID
	}
	if err := s.tx.Send(transportID, protocol.NewEnvelope(protocol.MsgPlayerIDUpdated,
		s.cfg.RoomID, s.tx.MyID(),
		protocol.PlayerIDUpdated{OldID: oldID, NewID: ident.LogicalID})); err != nil {
		s.log.Warn("id assignment send failed", zap.String("peer", transportID), zap.Error(err))
	}

	if rewrote > 0 {
		s.log.Info("identity references rewritten",
			zap.String("old", rewriteFrom), zap.String("new", ident.LogicalID),
			zap.Int("references", rewrote))
		// full snapshot so every replica replaces rather than patches
		eng.SnapshotAll()
	}

	s.tx.Broadcast(protocol.NewEnvelope(protocol.MsgUserJoinedBcast, s.cfg.RoomID, s.tx.MyID(),
		protocol.UserJoined{UserID: ident.LogicalID, RoomID: s.cfg.RoomID, Nickname: ident.Nickname}))

	s.log.Info("player joined",
		zap.String("player", ident.LogicalID), zap.Bool("remapped", remapped))
}

func (s *Session) handleResyncRequest(env protocol.Envelope) {
	eng := s.engineRef()
	if eng == nil {
		return
	}
	var req protocol.ResyncRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return
	}
	s.log.Debug("resync requested",
		zap.String("peer", env.Meta.FromID),
		zap.Uint64("fromVersion", req.FromVersion), zap.String("reason", req.Reason))
	_ = eng.SnapshotFor(env.Meta.FromID)
}

func (s *Session) handleStateAck(env protocol.Envelope) {
	if s.engineRef() == nil {
		return
	}
	var ack protocol.StateAck
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return
	}
	if id, ok := s.reg.ByTransport(env.Meta.FromID); ok {
		s.reg.MarkSeen(id.LogicalID, ack.ReceivedAt)
	}
}

func (s *Session) handleUserLeftRoom(env protocol.Envelope) {
	if s.engineRef() == nil {
		return
	}
	var left protocol.UserLeft
	if err := protocol.DecodePayload(env, &left); err != nil {
		return
	}
	s.applyLeave(left.UserID, left.Timestamp, left.Reason)
}

// applyLeave runs the leave pipeline once per departure: the registry's
// timestamp check absorbs replays, late duplicates and the explicit-leave vs
// connection-closed race.
func (s *Session) applyLeave(playerID string, ts int64, reason string) {
	eng := s.engineRef()
	if eng == nil {
		return
	}
	if !s.reg.MarkLeft(playerID, ts, reason) {
		s.log.Debug("stale leave ignored", zap.String("player", playerID))
		return
	}
	err := eng.Mutate(func(doc patch.Doc) error {
		s.rules.OnPlayerLeft(doc, playerID)
		markRosterAbsent(doc, playerID, ts, reason)
		return nil
	})
	if err != nil {
		s.log.Error("leave mutation failed", zap.String("player", playerID), zap.Error(err))
	}
	s.tx.Broadcast(protocol.NewEnvelope(protocol.MsgUserLeftBcast, s.cfg.RoomID, s.tx.MyID(),
		protocol.UserLeft{UserID: playerID, RoomID: s.cfg.RoomID, Timestamp: ts, Reason: reason}))
	s.log.Info("player left", zap.String("player", playerID), zap.String("reason", reason))
}

// markDisconnected records an absence without the rules' leave cleanup: a
// peer that merely dropped may still rejoin with its state intact, unlike an
// explicit leave.
func (s *Session) markDisconnected(playerID string, ts int64, reason string) {
	eng := s.engineRef()
	if eng == nil {
		return
	}
	if !s.reg.MarkLeft(playerID, ts, reason) {
		return
	}
	err := eng.Mutate(func(doc patch.Doc) error {
		markRosterAbsent(doc, playerID, ts, reason)
		return nil
	})
	if err != nil {
		s.log.Error("disconnect mutation failed", zap.String("player", playerID), zap.Error(err))
	}
	s.tx.Broadcast(protocol.NewEnvelope(protocol.MsgUserLeftBcast, s.cfg.RoomID, s.tx.MyID(),
		protocol.UserLeft{UserID: playerID, RoomID: s.cfg.RoomID, Timestamp: ts, Reason: reason}))
}

func (s *Session) handleActionRequest(env protocol.Envelope) {
	if s.engineRef() == nil {
		return
	}
	var req protocol.ActionRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.log.Warn("bad action request", zap.Error(err))
		return
	}
	from := env.Meta.FromID
	s.applyAction(req, func(ok bool, reason string) {
		ack := protocol.ActionAck{AckKey: req.AckKey, OK: ok, Reason: reason}
		if err := s.tx.Send(from, protocol.NewEnvelope(protocol.MsgActionAck,
			s.cfg.RoomID, s.tx.MyID(), ack)); err != nil {
			s.log.Debug("action ack send failed", zap.String("peer", from), zap.Error(err))
		}
	})
}

// applyAction runs one submission through the category's critical section:
// phase validation, duplicate check, mutation and the completion check are
// atomic with respect to other submissions in the same category.
func (s *Session) applyAction(req protocol.ActionRequest, ack func(ok bool, reason string)) {
	eng := s.engineRef()
	if eng == nil {
		ack(false, "not hosting")
		return
	}
	_ = s.queue.Do(req.Action, func() error {
		doc := eng.Document()
		if err := s.rules.ValidateAction(doc, req.Action, req.PlayerID, req.Payload); err != nil {
			ack(false, err.Error())
			return nil
		}
		phase, _ := doc[docKeyPhase].(string)
		if !s.queue.MarkSubmitted(req.Action, phase, req.PlayerID) {
			// already applied this phase; re-ack so the peer settles
			ack(true, "duplicate")
			return nil
		}
		if err := eng.Mutate(func(d patch.Doc) error {
			return s.rules.ApplyAction(d, req.Action, req.PlayerID, req.Payload)
		}); err != nil {
			ack(false, err.Error())
			return nil
		}
		if s.rules.PhaseComplete(eng.Document(), req.Action) {
			_ = eng.Mutate(func(d patch.Doc) error {
				s.rules.AdvancePhase(d)
				return nil
			})
			s.queue.PhaseAdvanced()
			s.log.Info("phase advanced", zap.String("after", req.Action))
		}
		ack(true, "")
		return nil
	})
}

func (s *Session) handleClientHostAck(env protocol.Envelope) {
	if s.engineRef() == nil {
		return
	}
	var ack protocol.ClientHostUpdateAck
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return
	}
	if id, ok := s.reg.ByTransport(env.Meta.FromID); ok {
		s.reg.MarkSeen(id.LogicalID, protocol.Now())
	}
	s.log.Debug("host update acknowledged", zap.String("peer", env.Meta.FromID), zap.Bool("ok", ack.OK))
}

// promote turns this client into the host after winning an election. The
// replicated document becomes the authoritative one at the next version, the
// old host is marked absent, and everyone gets a superseding snapshot after
// the announcement settles.
func (s *Session) promote() {
	doc, ver := s.client.Document(), s.client.Version()
	s.client.Stop()
	s.monitor.Stop()

	oldHost, _ := doc[docKeyHostID].(string)

	s.mu.Lock()
	self := s.self
	self.IsHost = true
	self.TransportID = s.tx.MyID()
	s.self = self
	s.isHost = true
	s.hostLogicalID = self.LogicalID
	s.hostTransport = s.tx.MyID()
	engine := replica.NewEngine(s.cfg.RoomID, s.tx.MyID, s.tx, s.log)
	s.engine = engine
	rctx := s.ctx
	s.mu.Unlock()

	now := protocol.Now()
	doc[docKeyHostID] = self.LogicalID
	if oldHost != "" {
		markRosterAbsent(doc, oldHost, now, "host lost")
	}
	setRosterEntry(doc, self, string(presence.StatusPresent))
	engine.Seed(doc, ver+1)

	s.reg.SetHost(self.LogicalID)
	if oldHost != "" {
		s.reg.MarkLeft(oldHost, now, "host lost")
	}

	s.log.Info("promoted to host",
		zap.String("player", self.LogicalID), zap.Uint64("version", ver+1))

	s.tx.Broadcast(protocol.NewEnvelope(protocol.MsgNewHostID, s.cfg.RoomID, s.tx.MyID(),
		protocol.NewHostID{RoomID: s.cfg.RoomID, NewHostID: self.LogicalID}))

	// let the announcement land before the snapshot, so replicas treat it as
	// coming from their acknowledged host
	s.waitOrDone(s.cfg.HostAckWait)
	engine.SnapshotAll()

	beacon := failover.NewBeacon(s.cfg.RoomID, self.LogicalID, s.cfg.HeartbeatInterval, s.tx, s.log)
	beacon.Start(rctx)

	s.mu.Lock()
	s.beacon = beacon
	s.status = StatusConnected
	s.mu.Unlock()
}

// roster helpers: the host mirrors the registry into the reserved "players"
// document key so replicas can rebuild identity state from replication alone.

func rosterEntry(id presence.Identity, status string) map[string]any {
	return map[string]any{
		"nickname":    id.Nickname,
		"transportId": id.TransportID,
		"isHost":      id.IsHost,
		"status":      status,
	}
}

func setRosterEntry(doc patch.Doc, id presence.Identity, status string) {
	players, ok := doc[docKeyPlayers].(map[string]any)
	if !ok {
		players = map[string]any{}
		doc[docKeyPlayers] = players
	}
	players[id.LogicalID] = rosterEntry(id, status)
}

func markRosterAbsent(doc patch.Doc, playerID string, ts int64, reason string) {
	players, ok := doc[docKeyPlayers].(map[string]any)
	if !ok {
		return
	}
	entry, ok := players[playerID].(map[string]any)
	if !ok {
		return
	}
	entry["status"] = string(presence.StatusAbsent)
	entry["leftAt"] = ts
	entry["reason"] = reason
}
