package protocol

import "encoding/json"

// Payload shapes for every message type. Keep these minimal and stable; they
// are the compatibility surface between peers on different builds.

type JoinRequest struct {
	Nickname      string `json:"nickname"`
	SavedPlayerID string `json:"savedPlayerId,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
}

// SnapshotMeta rides on both snapshots and diffs.
type SnapshotMeta struct {
	RoomID     string `json:"roomId"`
	Version    uint64 `json:"version"`
	ServerTime int64  `json:"serverTime"`
}

// SnapshotPayload carries the full authoritative state at Meta.Version.
// A snapshot supersedes every diff numbered <= its version.
type SnapshotPayload struct {
	Meta  SnapshotMeta   `json:"meta"`
	State map[string]any `json:"state"`
}

// DiffPayload moves state from Meta.Version-1 to Meta.Version. Patch follows
// the merge algebra of the patch package: null deletes, arrays replace.
type DiffPayload struct {
	Meta  SnapshotMeta   `json:"meta"`
	Patch map[string]any `json:"patch"`
}

type StateAck struct {
	RoomID     string `json:"roomId"`
	Version    uint64 `json:"version"`
	ReceivedAt int64  `json:"receivedAt"`
}

type ResyncRequest struct {
	RoomID      string `json:"roomId"`
	FromVersion uint64 `json:"fromVersion,omitempty"`
	Reason      string `json:"reason"`
}

type Heartbeat struct {
	Timestamp int64  `json:"timestamp"`
	HostID    string `json:"hostId"`
}

type HostDiscoveryRequest struct {
	RequesterID    string `json:"requesterId"`
	RequesterToken string `json:"requesterToken,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type HostDiscoveryResponse struct {
	ResponderID   string          `json:"responderId"`
	IsHost        bool            `json:"isHost"`
	CurrentHostID string          `json:"currentHostId,omitempty"`
	GameState     json.RawMessage `json:"gameState,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

type NewHostID struct {
	RoomID    string `json:"roomId"`
	NewHostID string `json:"newHostId"`
}

type ClientHostUpdateAck struct {
	HostID string `json:"hostId"`
	OK     bool   `json:"ok"`
}

type PlayerIDUpdated struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

// UserLeft doubles as user_left_room (peer→host) and the host's
// user_left_broadcast / user_joined_broadcast payloads.
type UserLeft struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

type UserJoined struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname,omitempty"`
}

// ActionRequest is a client-submitted game action. AckKey correlates the
// host's ActionAck with the peer-local pending record.
type ActionRequest struct {
	Action   string          `json:"action"`
	AckKey   string          `json:"ackKey"`
	PlayerID string          `json:"playerId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type ActionAck struct {
	AckKey string `json:"ackKey"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// LegacyState is the unversioned full-state message older peers emit. It is
// only ever accepted through the replica client's degraded baseline path.
type LegacyState struct {
	State map[string]any `json:"state"`
}
