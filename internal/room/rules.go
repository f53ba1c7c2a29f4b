package room

import (
	"encoding/json"

	"p2party/internal/patch"
)

// GameRules is the opaque game logic plugged into the replication core. The
// host invokes it only inside action-queue critical sections, so
// implementations mutate the document without their own locking.
//
// The core reserves two top-level document keys for itself: "players" and
// "hostId". Rules own everything else, including "phase".
type GameRules interface {
	// InitialState returns the starting document for a fresh room.
	InitialState() patch.Doc

	// ValidateAction checks that the current phase still permits the
	// action. A non-nil error rejects the submission.
	ValidateAction(doc patch.Doc, action, playerID string, payload json.RawMessage) error

	// ApplyAction mutates doc for one accepted submission.
	ApplyAction(doc patch.Doc, action, playerID string, payload json.RawMessage) error

	// PhaseComplete reports whether the current phase's completion
	// criteria are met after a submission of the given action type.
	PhaseComplete(doc patch.Doc, action string) bool

	// AdvancePhase moves doc to the next phase. Called at most once per
	// completed phase.
	AdvancePhase(doc patch.Doc)

	// OnPlayerLeft removes the player from active-turn rotation and any
	// per-round structures.
	OnPlayerLeft(doc patch.Doc, playerID string)
}

// reserved document keys maintained by the core, not by rules
const (
	docKeyPlayers = "players"
	docKeyHostID  = "hostId"
	docKeyPhase   = "phase"
)
