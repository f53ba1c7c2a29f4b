package failover

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"p2party/internal/netx"
	"p2party/internal/protocol"
)

// ErrRoomEnded reports that no host candidate was reachable: the room is
// over for every surviving peer. Terminal, never retried silently.
var ErrRoomEnded = errors.New("failover: no reachable host candidate, session ended")

type State int32

const (
	StateNormal State = iota
	StateGracePeriod
	StateElecting
)

// RecoveryState is the peer-local record of an active recovery window.
type RecoveryState struct {
	InGracePeriod    bool
	OriginalHostID   string
	GracePeriodStart int64
	RecoveryAttempts int
}

// CoordinatorConfig wires a recovery coordinator to its room.
type CoordinatorConfig struct {
	RoomID string
	// SelfID is this peer's stable logical id, the value that competes in
	// elections.
	SelfID func() string
	// Candidates returns the logical ids of all known players, host
	// included; the coordinator excludes the lost host itself.
	Candidates func() []string
	// TransportOf resolves a logical id to its last known transport id.
	TransportOf func(logicalID string) (string, bool)

	GracePeriod       time.Duration
	ReconnectInterval time.Duration
	ReconnectAttempts int
	ProbeTimeout      time.Duration
	BlacklistTTL      time.Duration

	// OnRecovered: the original host confirmed it is still hosting.
	OnRecovered func(hostID string)
	// OnElected: the deterministic winner. The room self-promotes only
	// when winner == SelfID(); any other outcome means wait for the
	// winner's new-host announcement.
	OnElected func(winner string)
	// OnRoomEnded: terminal failure, no reachable candidate.
	OnRoomEnded func(err error)

	Tx  netx.Transport
	Log *zap.Logger
}

// Coordinator drives Normal → GracePeriod → {Recovered | Electing} → Normal.
// At most one recovery runs at a time; a second host-loss report while one is
// active is ignored.
type Coordinator struct {
	cfg CoordinatorConfig

	mu        sync.Mutex
	state     State
	recovery  RecoveryState
	cancel    context.CancelFunc
	blacklist map[string]time.Time
	pending   map[string]chan protocol.HostDiscoveryResponse
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		blacklist: make(map[string]time.Time),
		pending:   make(map[string]chan protocol.HostDiscoveryResponse),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HostLost starts a recovery for the lost host. Re-entrant calls while a
// recovery is in progress are ignored.
func (c *Coordinator) HostLost(ctx context.Context, lostHostID string) {
	c.mu.Lock()
	if c.state != StateNormal {
		c.mu.Unlock()
		c.cfg.Log.Debug("host loss ignored, recovery already active",
			zap.String("host", lostHostID))
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	c.state = StateGracePeriod
	c.cancel = cancel
	c.recovery = RecoveryState{
		InGracePeriod:    true,
		OriginalHostID:   lostHostID,
		GracePeriodStart: protocol.Now(),
	}
	c.mu.Unlock()

	go c.run(rctx, lostHostID)
}

// Abort cancels any active recovery, e.g. because another peer already
// announced itself as the new host.
func (c *Coordinator) Abort(reason string) {
	c.mu.Lock()
	cancel := c.cancel
	active := c.state != StateNormal
	c.settleLocked()
	c.mu.Unlock()
	if active {
		c.cfg.Log.Info("recovery aborted", zap.String("reason", reason))
		if cancel != nil {
			cancel()
		}
	}
}

// OnDiscoveryResponse routes an inbound discovery response to the probe
// waiting on that responder, if any.
func (c *Coordinator) OnDiscoveryResponse(resp protocol.HostDiscoveryResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ResponderID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Coordinator) run(ctx context.Context, lostHostID string) {
	c.cfg.Log.Warn("entering grace period",
		zap.String("host", lostHostID), zap.Duration("window", c.cfg.GracePeriod))

	graceCtx, cancelGrace := context.WithTimeout(ctx, c.cfg.GracePeriod)
	recovered := c.attemptReconnect(graceCtx, lostHostID)
	cancelGrace()

	if recovered {
		c.mu.Lock()
		cancel := c.cancel
		c.settleLocked()
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.cfg.Log.Info("host recovered within grace period", zap.String("host", lostHostID))
		c.cfg.OnRecovered(lostHostID)
		return
	}
	if ctx.Err() != nil {
		// aborted externally
		return
	}

	c.mu.Lock()
	c.state = StateElecting
	c.recovery.InGracePeriod = false
	c.mu.Unlock()

	winner, err := c.elect(ctx, lostHostID)
	c.mu.Lock()
	cancel := c.cancel
	c.settleLocked()
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err != nil {
		if ctx.Err() == nil {
			c.cfg.OnRoomEnded(err)
		}
		return
	}
	c.cfg.Log.Info("election decided", zap.String("winner", winner))
	c.cfg.OnElected(winner)
}

// attemptReconnect probes the lost host at a fixed interval, making exactly
// ReconnectAttempts tries bounded by the grace window on ctx. Returns true
// when the remote confirms it is still the host.
func (c *Coordinator) attemptReconnect(ctx context.Context, lostHostID string) bool {
	attempts := c.cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	// WithMaxRetries counts retries after the first try
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReconnectInterval),
			uint64(attempts-1)),
		ctx)

	confirmed := false
	err := backoff.Retry(func() error {
		c.mu.Lock()
		c.recovery.RecoveryAttempts++
		attempt := c.recovery.RecoveryAttempts
		c.mu.Unlock()

		resp, err := c.probe(ctx, lostHostID)
		if err != nil {
			c.cfg.Log.Debug("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if !resp.IsHost {
			// reachable but no longer hosting: stop retrying, go elect
			confirmed = false
			return nil
		}
		confirmed = true
		return nil
	}, policy)

	return err == nil && confirmed
}

// elect deterministically selects the new host: sort all known players
// (minus the lost host and the blacklist) by logical id ascending, probe
// each in order, first reachable wins.
func (c *Coordinator) elect(ctx context.Context, lostHostID string) (string, error) {
	self := c.cfg.SelfID()
	now := time.Now()

	c.mu.Lock()
	for id, until := range c.blacklist {
		if now.After(until) {
			delete(c.blacklist, id)
		}
	}
	blacklisted := func(id string) bool {
		_, ok := c.blacklist[id]
		return ok
	}
	var candidates []string
	for _, id := range c.cfg.Candidates() {
		if id == lostHostID || blacklisted(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	c.mu.Unlock()

	// every peer must walk the same order regardless of how the candidate
	// set was produced
	sort.Strings(candidates)

	c.cfg.Log.Info("electing new host", zap.Strings("candidates", candidates))

	for _, id := range candidates {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if id == self {
			// this peer is trivially reachable to itself
			return id, nil
		}
		if _, err := c.probe(ctx, id); err == nil {
			return id, nil
		}
		c.cfg.Log.Debug("candidate unreachable", zap.String("candidate", id))
		c.mu.Lock()
		c.blacklist[id] = time.Now().Add(c.cfg.BlacklistTTL)
		c.mu.Unlock()
	}
	return "", ErrRoomEnded
}

// probe runs one discovery handshake against a peer, bounded by
// ProbeTimeout: connect if needed, send host_discovery_request, wait for the
// matching response.
func (c *Coordinator) probe(ctx context.Context, logicalID string) (protocol.HostDiscoveryResponse, error) {
	var zero protocol.HostDiscoveryResponse

	transportID, ok := c.cfg.TransportOf(logicalID)
	if !ok {
		return zero, netx.ErrPeerUnreachable
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	if err := c.cfg.Tx.Connect(pctx, transportID); err != nil {
		return zero, err
	}

	ch := make(chan protocol.HostDiscoveryResponse, 1)
	c.mu.Lock()
	c.pending[logicalID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, logicalID)
		c.mu.Unlock()
	}()

	req := protocol.HostDiscoveryRequest{
		RequesterID: c.cfg.SelfID(),
		Timestamp:   protocol.Now(),
	}
	if err := c.cfg.Tx.Send(transportID,
		protocol.NewEnvelope(protocol.MsgHostDiscoveryReq, c.cfg.RoomID, c.cfg.Tx.MyID(), req)); err != nil {
		return zero, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-pctx.Done():
		return zero, pctx.Err()
	}
}

func (c *Coordinator) settleLocked() {
	c.state = StateNormal
	c.cancel = nil
	c.recovery = RecoveryState{}
}
