package protocol

import "github.com/google/uuid"

// Logical ids anchor a player across reconnects; transport ids are whatever
// the transport adapter assigns to the current connection and change on every
// re-establish.

// NewPlayerID mints a stable logical player id.
func NewPlayerID() string { return "p-" + uuid.NewString() }

// NewAckKey mints a correlation key for an action submission.
func NewAckKey() string { return uuid.NewString() }

// NewAuthToken mints the token a peer presents when resuming its identity.
func NewAuthToken() string { return uuid.NewString() }

// NewTransportID mints an id for one transport connection lifetime.
func NewTransportID() string { return "t-" + uuid.NewString() }
