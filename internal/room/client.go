package room

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"p2party/internal/patch"
	"p2party/internal/presence"
	"p2party/internal/protocol"
)

// Join starts this session as a client of the peer at hostPeerID (a transport
// id). The saved identity for the room, if any, rides along so the host can
// remap it; the logical id actually assigned arrives via player_id_updated.
func (s *Session) Join(ctx context.Context, hostPeerID string) error {
	s.start(ctx)

	saved := s.loadOrNewIdentity()

	s.mu.Lock()
	s.status = StatusConnecting
	s.hostTransport = hostPeerID
	s.self = presence.Identity{
		LogicalID:   saved.PlayerID,
		TransportID: s.tx.MyID(),
		Nickname:    s.cfg.Nickname,
		AuthToken:   saved.AuthToken,
	}
	s.mu.Unlock()

	if err := s.tx.Connect(ctx, hostPeerID); err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		return fmt.Errorf("room: join %s: %w", hostPeerID, err)
	}

	join := protocol.JoinRequest{
		Nickname:      s.cfg.Nickname,
		SavedPlayerID: saved.PlayerID,
		AuthToken:     saved.AuthToken,
	}
	if err := s.tx.Send(hostPeerID, protocol.NewEnvelope(protocol.MsgJoinRequest,
		s.cfg.RoomID, s.tx.MyID(), join)); err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		return fmt.Errorf("room: join %s: %w", hostPeerID, err)
	}

	// baseline request; also arms the degraded legacy-state fallback
	s.client.RequestState("join")
	s.log.Info("joining room",
		zap.String("room", s.cfg.RoomID), zap.String("host", hostPeerID))
	return nil
}

func (s *Session) handleSnapshot(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.SnapshotPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.log.Warn("bad snapshot", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.hostTransport = env.Meta.FromID
	s.mu.Unlock()
	s.client.OnSnapshot(p)
}

func (s *Session) handleDiff(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.DiffPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.log.Warn("bad diff", zap.Error(err))
		return
	}
	s.client.OnDiff(p)
}

func (s *Session) handleLegacyState(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.LegacyState
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}
	s.client.OnLegacyState(p)
}

func (s *Session) handleHeartbeat(env protocol.Envelope) {
	var hb protocol.Heartbeat
	if err := protocol.DecodePayload(env, &hb); err != nil {
		return
	}
	s.mu.Lock()
	if s.isHost {
		s.mu.Unlock()
		return
	}
	// only the acknowledged host may repoint routing; before any host is
	// known the first beacon pins it down
	if expected := s.hostLogicalID; expected != "" && hb.HostID != expected {
		s.mu.Unlock()
		s.log.Debug("foreign heartbeat ignored",
			zap.String("from", hb.HostID), zap.String("expected", expected))
		return
	}
	s.hostTransport = env.Meta.FromID
	s.mu.Unlock()

	s.reg.MarkSeen(hb.HostID, hb.Timestamp)
	s.monitor.Observe(hb)
}

// handleNewHostID accepts another peer's promotion: abort any local recovery,
// repoint the host, acknowledge.
func (s *Session) handleNewHostID(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.NewHostID
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}
	s.coord.Abort("new host announced")

	s.mu.Lock()
	s.hostLogicalID = p.NewHostID
	s.hostTransport = env.Meta.FromID
	s.status = StatusConnected
	s.mu.Unlock()

	s.reg.SetHost(p.NewHostID)
	s.monitor.Expect(p.NewHostID)

	ack := protocol.ClientHostUpdateAck{HostID: p.NewHostID, OK: true}
	if err := s.tx.Send(env.Meta.FromID, protocol.NewEnvelope(protocol.MsgClientHostAck,
		s.cfg.RoomID, s.tx.MyID(), ack)); err != nil {
		s.log.Debug("host update ack failed", zap.Error(err))
	}
	s.log.Info("host changed", zap.String("host", p.NewHostID))
}

// handlePlayerIDUpdated installs the id the host assigned (or reassigned) to
// this peer and persists it for future rejoins.
func (s *Session) handlePlayerIDUpdated(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.PlayerIDUpdated
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}
	s.mu.Lock()
	prev := s.self.LogicalID
	s.self.LogicalID = p.NewID
	saved := presence.SavedIdentity{
		PlayerID:  p.NewID,
		AuthToken: s.self.AuthToken,
		Nickname:  s.self.Nickname,
	}
	s.mu.Unlock()

	s.persistIdentity(saved)
	if prev != p.NewID {
		s.log.Info("player id assigned",
			zap.String("old", p.OldID), zap.String("new", p.NewID))
	}
}

func (s *Session) handleUserLeftBcast(env protocol.Envelope) {
	if s.IsHost() {
		return
	}
	var p protocol.UserLeft
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}
	if s.reg.MarkLeft(p.UserID, p.Timestamp, p.Reason) {
		s.log.Info("player left", zap.String("player", p.UserID), zap.String("reason", p.Reason))
	}
}

func (s *Session) handleUserJoinedBcast(env protocol.Envelope) {
	var p protocol.UserJoined
	if err := protocol.DecodePayload(env, &p); err != nil {
		return
	}
	s.log.Info("player joined", zap.String("player", p.UserID), zap.String("nickname", p.Nickname))
}

func (s *Session) handleActionAck(env protocol.Envelope) {
	var ack protocol.ActionAck
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return
	}
	s.outbox.Ack(ack)
}

// handleDiscoveryRequest answers liveness probes on both roles: during
// recovery every peer reports whether it is hosting and who it believes the
// host is.
func (s *Session) handleDiscoveryRequest(env protocol.Envelope) {
	var req protocol.HostDiscoveryRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return
	}
	s.mu.Lock()
	resp := protocol.HostDiscoveryResponse{
		ResponderID:   s.self.LogicalID,
		IsHost:        s.isHost,
		CurrentHostID: s.hostLogicalID,
		Timestamp:     protocol.Now(),
	}
	s.mu.Unlock()

	if err := s.tx.Send(env.Meta.FromID, protocol.NewEnvelope(protocol.MsgHostDiscoveryResp,
		s.cfg.RoomID, s.tx.MyID(), resp)); err != nil {
		s.log.Debug("discovery response failed", zap.String("peer", env.Meta.FromID), zap.Error(err))
	}
}

func (s *Session) handleDiscoveryResponse(env protocol.Envelope) {
	var resp protocol.HostDiscoveryResponse
	if err := protocol.DecodePayload(env, &resp); err != nil {
		return
	}
	s.coord.OnDiscoveryResponse(resp)
}

// onDocChange runs after every applied snapshot or diff: rebuild roster and
// host knowledge from the replicated document, then surface the change.
func (s *Session) onDocChange(doc patch.Doc, version uint64) {
	hostID := s.syncRosterFromDoc(doc)

	s.mu.Lock()
	hostChanged := hostID != "" && hostID != s.hostLogicalID
	if hostChanged {
		s.hostLogicalID = hostID
	}
	if s.status == StatusConnecting {
		s.status = StatusConnected
	}
	hosting := s.isHost
	onChange := s.onChange
	s.mu.Unlock()

	if hostChanged && !hosting {
		s.monitor.Expect(hostID)
	}
	if onChange != nil {
		onChange(doc, version)
	}
}

// syncRosterFromDoc mirrors the document's "players" key into the local
// registry, so elections and probes work from replication alone. Returns the
// document's host id.
func (s *Session) syncRosterFromDoc(doc patch.Doc) string {
	hostID, _ := doc[docKeyHostID].(string)
	players, _ := doc[docKeyPlayers].(map[string]any)
	for id, raw := range players {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		nickname, _ := entry["nickname"].(string)
		transportID, _ := entry["transportId"].(string)
		s.reg.Add(presence.Identity{
			LogicalID:   id,
			TransportID: transportID,
			Nickname:    nickname,
			IsHost:      id == hostID,
		})
		if status, _ := entry["status"].(string); status == string(presence.StatusAbsent) {
			ts := docInt64(entry["leftAt"])
			if ts == 0 {
				ts = protocol.Now()
			}
			reason, _ := entry["reason"].(string)
			s.reg.MarkLeft(id, ts, reason)
		}
	}
	if hostID != "" {
		s.reg.SetHost(hostID)
	}
	return hostID
}

// failover callbacks, invoked by the monitor and coordinator

func (s *Session) onHostLoss(lostHostID string) {
	s.mu.Lock()
	if s.isHost || s.status == StatusEnded {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnecting
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	s.coord.HostLost(ctx, lostHostID)
}

func (s *Session) onHostRecovered(hostID string) {
	s.mu.Lock()
	s.hostLogicalID = hostID
	s.status = StatusConnected
	s.mu.Unlock()

	s.monitor.Expect(hostID)
	// catch up on anything missed during the outage
	s.client.RequestState("host recovered")
	s.log.Info("host recovered", zap.String("host", hostID))
}

func (s *Session) onElected(winner string) {
	if winner == s.PlayerID() {
		s.promote()
		return
	}
	s.mu.Lock()
	s.status = StatusConnecting
	s.mu.Unlock()
	// wait for the winner's announcement; silence re-fires the monitor and
	// starts the next recovery round without the unreachable winner
	s.monitor.Expect(winner)
	s.log.Info("awaiting new host", zap.String("winner", winner))
}

func (s *Session) onRoomEnded(err error) {
	s.mu.Lock()
	s.status = StatusEnded
	onEnded := s.onEnded
	s.mu.Unlock()

	s.monitor.Stop()
	s.client.Stop()
	s.log.Error("room ended", zap.Error(err))
	if onEnded != nil {
		onEnded(err)
	}
}

func docInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
