package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtoVersion is bumped on any incompatible change to the envelope or to a
// payload shape. Peers drop envelopes carrying a different version.
const ProtoVersion = 1

type MsgType string

const (
	MsgJoinRequest       MsgType = "join_request"
	MsgStateSnapshot     MsgType = "state_snapshot"
	MsgStateDiff         MsgType = "state_diff"
	MsgStateAck          MsgType = "state_ack"
	MsgResyncRequest     MsgType = "resync_request"
	MsgHeartbeat         MsgType = "heartbeat"
	MsgHostDiscoveryReq  MsgType = "host_discovery_request"
	MsgHostDiscoveryResp MsgType = "host_discovery_response"
	MsgNewHostID         MsgType = "new_host_id"
	MsgClientHostAck     MsgType = "client_host_update_ack"
	MsgPlayerIDUpdated   MsgType = "player_id_updated"
	MsgUserLeftRoom      MsgType = "user_left_room"
	MsgUserLeftBcast     MsgType = "user_left_broadcast"
	MsgUserJoinedBcast   MsgType = "user_joined_broadcast"
	MsgActionRequest     MsgType = "action_request"
	MsgActionAck         MsgType = "action_ack"
	MsgLegacyState       MsgType = "legacy_state"
)

// Meta identifies the room and origin of an envelope. TS is a monotonic
// millisecond timestamp from the sender's Clock.
type Meta struct {
	RoomID string `json:"roomId"`
	FromID string `json:"fromId"`
	TS     int64  `json:"ts"`
}

// Envelope is the single wire format. Payload stays raw until a handler
// decodes it into its typed shape.
type Envelope struct {
	Type         MsgType         `json:"type"`
	ProtoVersion int             `json:"protocolVersion"`
	Meta         Meta            `json:"meta"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload for the given room/sender. Marshal errors are
// programming errors (payload structs are all JSON-clean), so they panic.
func NewEnvelope(t MsgType, roomID, fromID string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
		}
		raw = b
	}
	return Envelope{
		Type:         t,
		ProtoVersion: ProtoVersion,
		Meta:         Meta{RoomID: roomID, FromID: fromID, TS: Now()},
		Payload:      raw,
	}
}

// DecodePayload unmarshals the envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("protocol: %s: malformed payload: %w", env.Type, err)
	}
	return nil
}
