package actionq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"p2party/internal/protocol"
)

func TestDoSerializesWithinCategory(t *testing.T) {
	q := NewQueue()
	var mu sync.Mutex
	inSection := 0
	maxConcurrent := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do("submit_vote", func() error {
				mu.Lock()
				inSection++
				if inSection > maxConcurrent {
					maxConcurrent = inSection
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inSection--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("max concurrency in one category = %d, want 1", maxConcurrent)
	}
}

// Two near-simultaneous submissions that both complete the phase must
// advance it exactly once: the completion check runs inside the same
// critical section as the mutation.
func TestPhaseAdvancesExactlyOnce(t *testing.T) {
	q := NewQueue()
	submitted := map[string]bool{}
	phase := "voting"
	advances := 0
	eligible := []string{"p1", "p2"}

	submit := func(player string) {
		_ = q.Do("submit_vote", func() error {
			if phase != "voting" {
				return nil // phase moved on, stale submission
			}
			if !q.MarkSubmitted("submit_vote", phase, player) {
				return nil // duplicate from the same player
			}
			submitted[player] = true

			done := true
			for _, p := range eligible {
				if !submitted[p] {
					done = false
				}
			}
			if done {
				phase = "betting"
				advances++
				q.PhaseAdvanced()
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	for _, p := range []string{"p1", "p2", "p1", "p2"} {
		wg.Add(1)
		player := p
		go func() {
			defer wg.Done()
			submit(player)
		}()
	}
	wg.Wait()

	if phase != "betting" {
		t.Fatalf("phase = %s, want betting", phase)
	}
	if advances != 1 {
		t.Fatalf("phase advanced %d times, want exactly once", advances)
	}
}

func TestMarkSubmittedDeduplicates(t *testing.T) {
	q := NewQueue()
	if !q.MarkSubmitted("submit_vote", "voting", "p1") {
		t.Fatal("first submission rejected")
	}
	if q.MarkSubmitted("submit_vote", "voting", "p1") {
		t.Fatal("duplicate submission accepted")
	}
	// same player, different phase: allowed again
	if !q.MarkSubmitted("submit_vote", "betting", "p1") {
		t.Fatal("submission in new phase rejected")
	}
	q.PhaseAdvanced()
	if !q.MarkSubmitted("submit_vote", "voting", "p1") {
		t.Fatal("submission rejected after PhaseAdvanced cleared the set")
	}
}

func testOutbox(send func(env protocol.Envelope), attempts int, wait time.Duration) *Outbox {
	return NewOutbox(OutboxConfig{
		RoomID:     "r1",
		MyID:       func() string { return "t-1" },
		PlayerID:   func() string { return "p-1" },
		SendToHost: send,
		Attempts:   attempts,
		Backoff:    wait,
		Log:        zap.NewNop(),
	})
}

func TestSubmitSettlesOnAck(t *testing.T) {
	var o *Outbox
	o = testOutbox(func(env protocol.Envelope) {
		var req protocol.ActionRequest
		if protocol.DecodePayload(env, &req) != nil {
			return
		}
		go o.Ack(protocol.ActionAck{AckKey: req.AckKey, OK: true})
	}, 3, 50*time.Millisecond)

	ack, err := o.Submit(context.Background(), "submit_vote", map[string]any{"option": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	if o.Pending(ack.AckKey) {
		t.Fatal("pending record survived acknowledgement")
	}
}

func TestSubmitRetriesThenAcks(t *testing.T) {
	var o *Outbox
	var mu sync.Mutex
	sends := 0
	o = testOutbox(func(env protocol.Envelope) {
		mu.Lock()
		sends++
		n := sends
		mu.Unlock()
		if n < 3 {
			return // drop the first two attempts
		}
		var req protocol.ActionRequest
		if protocol.DecodePayload(env, &req) != nil {
			return
		}
		go o.Ack(protocol.ActionAck{AckKey: req.AckKey, OK: true})
	}, 5, 15*time.Millisecond)

	if _, err := o.Submit(context.Background(), "submit_vote", nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if sends < 3 {
		t.Fatalf("sends = %d, want >= 3", sends)
	}
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	var mu sync.Mutex
	sends := 0
	settled := []bool{}
	o := NewOutbox(OutboxConfig{
		RoomID:     "r1",
		MyID:       func() string { return "t-1" },
		PlayerID:   func() string { return "p-1" },
		SendToHost: func(protocol.Envelope) { mu.Lock(); sends++; mu.Unlock() },
		Attempts:   3,
		Backoff:    10 * time.Millisecond,
		OnSettled:  func(_ string, ok bool) { mu.Lock(); settled = append(settled, ok); mu.Unlock() },
		Log:        zap.NewNop(),
	})

	_, err := o.Submit(context.Background(), "submit_vote", nil)
	if !errors.Is(err, ErrAckExhausted) {
		t.Fatalf("err = %v, want ErrAckExhausted", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if sends != 3 {
		t.Fatalf("sends = %d, want 3", sends)
	}
	if len(settled) != 1 || settled[0] {
		t.Fatalf("settled = %v, want one failed settlement", settled)
	}
}

func TestSubmitCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := testOutbox(func(protocol.Envelope) {}, 100, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(ctx, "submit_vote", nil)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not stop on cancel")
	}
}
