package actionq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"p2party/internal/protocol"
)

// ErrAckExhausted reports that an action was retried up to its budget
// without the host acknowledging it.
var ErrAckExhausted = errors.New("actionq: retries exhausted without acknowledgement")

var errAwaitingAck = errors.New("actionq: awaiting acknowledgement")

// PendingAction is the peer-local record of an in-flight submission.
type PendingAction struct {
	Type     string
	AckKey   string
	Payload  json.RawMessage
	Attempts int
}

type OutboxConfig struct {
	RoomID   string
	MyID     func() string
	PlayerID func() string
	// SendToHost routes to the current host, best-effort.
	SendToHost func(env protocol.Envelope)
	Attempts   int
	Backoff    time.Duration
	// OnSettled runs when a pending record is removed, acked or not; the
	// caller clears any "submitting" UI flag here.
	OnSettled func(ackKey string, ok bool)
	Log       *zap.Logger
}

type pendingEntry struct {
	rec   PendingAction
	acked chan protocol.ActionAck
}

// Outbox tracks pending submissions and drives their retry loops.
type Outbox struct {
	cfg OutboxConfig

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

func NewOutbox(cfg OutboxConfig) *Outbox {
	return &Outbox{cfg: cfg, pending: make(map[string]*pendingEntry)}
}

// Pending reports whether a submission is still awaiting acknowledgement.
func (o *Outbox) Pending(ackKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[ackKey]
	return ok
}

// Ack settles the pending record correlated by ack.AckKey. Unknown keys are
// ignored (already settled, or a replay).
func (o *Outbox) Ack(ack protocol.ActionAck) {
	o.mu.Lock()
	entry, ok := o.pending[ack.AckKey]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.acked <- ack:
	default:
	}
}

// Submit sends an action to the host and blocks until it is acknowledged or
// the retry budget is spent. The pending record is removed either way.
func (o *Outbox) Submit(ctx context.Context, actionType string, payload any) (protocol.ActionAck, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return protocol.ActionAck{}, err
		}
		raw = b
	}

	entry := &pendingEntry{
		rec: PendingAction{
			Type:    actionType,
			AckKey:  protocol.NewAckKey(),
			Payload: raw,
		},
		acked: make(chan protocol.ActionAck, 1),
	}
	o.mu.Lock()
	o.pending[entry.rec.AckKey] = entry
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.pending, entry.rec.AckKey)
		o.mu.Unlock()
	}()

	req := protocol.ActionRequest{
		Action:   actionType,
		AckKey:   entry.rec.AckKey,
		PlayerID: o.cfg.PlayerID(),
		Payload:  raw,
	}

	var result protocol.ActionAck
	op := func() error {
		entry.rec.Attempts++
		o.cfg.SendToHost(protocol.NewEnvelope(protocol.MsgActionRequest,
			o.cfg.RoomID, o.cfg.MyID(), req))
		select {
		case result = <-entry.acked:
			return nil
		case <-time.After(o.cfg.Backoff):
			return errAwaitingAck
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.Backoff),
			uint64(o.cfg.Attempts-1)),
		ctx)

	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		o.settle(entry.rec.AckKey, result.OK)
		return result, nil
	case errors.Is(err, errAwaitingAck):
		o.cfg.Log.Warn("action unacknowledged after retry budget",
			zap.String("action", actionType), zap.Int("attempts", entry.rec.Attempts))
		o.settle(entry.rec.AckKey, false)
		return protocol.ActionAck{}, ErrAckExhausted
	default:
		o.settle(entry.rec.AckKey, false)
		return protocol.ActionAck{}, err
	}
}

func (o *Outbox) settle(ackKey string, ok bool) {
	if o.cfg.OnSettled != nil {
		o.cfg.OnSettled(ackKey, ok)
	}
}
