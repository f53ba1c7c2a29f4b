// Package presence maintains the mapping from stable logical player
// identities to live transport connections, plus present/absent records with
// timestamp-idempotent transitions.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"p2party/internal/protocol"
)

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// Identity binds a stable logical id to the current transport connection.
// Exactly one identity in a room carries IsHost=true.
type Identity struct {
	LogicalID   string `json:"logicalId"`
	TransportID string `json:"transportId"`
	Nickname    string `json:"nickname"`
	AuthToken   string `json:"authToken,omitempty"`
	IsHost      bool   `json:"isHost"`
}

type Record struct {
	PlayerID   string `json:"playerId"`
	Status     Status `json:"status"`
	LastSeenTS int64  `json:"lastSeenTs"`
	LeftAt     int64  `json:"leftAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Registry struct {
	log *zap.Logger

	mu   sync.RWMutex
	ids  map[string]*Identity // logical id -> identity
	recs map[string]*Record   // logical id -> presence record
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log, ids: make(map[string]*Identity), recs: make(map[string]*Record)}
}

// Join resolves an incoming join to an identity. If savedID names an existing
// non-host identity (and the auth token matches when one is recorded), that
// identity is remapped onto the new transport connection; otherwise a fresh
// identity is created. The caller is responsible for rewriting state-document
// references atomically when remapped is true.
func (r *Registry) Join(savedID, transportID, nickname, authToken string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if savedID != "" {
		if id, ok := r.ids[savedID]; ok && !id.IsHost {
			if id.AuthToken == "" || id.AuthToken == authToken {
				id.TransportID = transportID
				if nickname != "" {
					id.Nickname = nickname
				}
				r.markPresentLocked(id.LogicalID)
				r.log.Info("identity remapped",
					zap.String("player", id.LogicalID), zap.String("transport", transportID))
				return *id, true
			}
			r.log.Warn("saved id rejected: token mismatch", zap.String("saved", savedID))
		}
	}

	id := &Identity{
		LogicalID:   protocol.NewPlayerID(),
		TransportID: transportID,
		Nickname:    nickname,
		AuthToken:   authToken,
	}
	r.ids[id.LogicalID] = id
	r.markPresentLocked(id.LogicalID)
	return *id, false
}

// Add installs a known identity verbatim (used when seeding from a snapshot).
func (r *Registry) Add(id Identity) {
	r.mu.Lock()
	cp := id
	r.ids[id.LogicalID] = &cp
	r.markPresentLocked(id.LogicalID)
	r.mu.Unlock()
}

func (r *Registry) Get(logicalID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[logicalID]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// ByTransport finds the identity currently bound to a transport id.
func (r *Registry) ByTransport(transportID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.ids {
		if id.TransportID == transportID {
			return *id, true
		}
	}
	return Identity{}, false
}

// SetHost marks one identity as host and clears the flag everywhere else,
// keeping the exactly-one-host invariant.
func (r *Registry) SetHost(logicalID string) {
	r.mu.Lock()
	for _, id := range r.ids {
		id.IsHost = id.LogicalID == logicalID
	}
	r.mu.Unlock()
}

func (r *Registry) HostID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.ids {
		if id.IsHost {
			return id.LogicalID
		}
	}
	return ""
}

// MarkLeft records an absence. Idempotent: a leave carrying an older
// timestamp than an already-recorded LeftAt is discarded.
func (r *Registry) MarkLeft(playerID string, ts int64, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recs[playerID]
	if !ok {
		rec = &Record{PlayerID: playerID}
		r.recs[playerID] = rec
	}
	if rec.LeftAt >= ts {
		return false
	}
	rec.Status = StatusAbsent
	rec.LeftAt = ts
	rec.Reason = reason
	return true
}

// MarkSeen refreshes a player's presence, moving forward only.
func (r *Registry) MarkSeen(playerID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[playerID]
	if !ok {
		rec = &Record{PlayerID: playerID}
		r.recs[playerID] = rec
	}
	rec.Status = StatusPresent
	if ts > rec.LastSeenTS {
		rec.LastSeenTS = ts
	}
}

func (r *Registry) RecordOf(playerID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[playerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// PlayerIDs returns every known logical id, sorted ascending. Election order
// depends on this sort being stable across peers.
func (r *Registry) PlayerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PresentIDs returns the logical ids not currently marked absent, sorted.
func (r *Registry) PresentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		if rec, ok := r.recs[id]; ok && rec.Status == StatusAbsent {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Remove destroys an identity on explicit leave.
func (r *Registry) Remove(logicalID string) {
	r.mu.Lock()
	delete(r.ids, logicalID)
	r.mu.Unlock()
}

// Identities returns a copy of all identities.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, *id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}

func (r *Registry) markPresentLocked(playerID string) {
	rec, ok := r.recs[playerID]
	if !ok {
		rec = &Record{PlayerID: playerID}
		r.recs[playerID] = rec
	}
	rec.Status = StatusPresent
	rec.LastSeenTS = protocol.Now()
	rec.LeftAt = 0
	rec.Reason = ""
}
