// Package actionq serializes client-submitted game actions. The host guards
// each action category with its own critical section so racing submissions
// apply one at a time and phase transitions fire exactly once; peers keep a
// pending record per submission and retry until the host acknowledges it.
package actionq

import (
	"fmt"
	"sync"
)

// Queue owns one mutual-exclusion section per action category. Everything
// that must be atomic — phase validation, duplicate check, mutation, the
// phase-completion check — runs inside Do for that category.
//
// Message handling is event-driven, but a handler may await a send or a
// timer mid-flight and let another submission interleave; the explicit lock
// closes that window.
type Queue struct {
	mu       sync.Mutex
	sections map[string]*sync.Mutex
	seen     map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{
		sections: make(map[string]*sync.Mutex),
		seen:     make(map[string]struct{}),
	}
}

// Do runs fn inside the critical section for category. Submissions in the
// same category drain strictly one at a time; different categories do not
// block each other.
func (q *Queue) Do(category string, fn func() error) error {
	q.mu.Lock()
	sec, ok := q.sections[category]
	if !ok {
		sec = &sync.Mutex{}
		q.sections[category] = sec
	}
	q.mu.Unlock()

	sec.Lock()
	defer sec.Unlock()
	return fn()
}

// MarkSubmitted records that player submitted category during phase.
// Returns false for a duplicate, which the caller ignores idempotently.
// Call only from inside the matching Do section.
func (q *Queue) MarkSubmitted(category, phase, playerID string) bool {
	key := fmt.Sprintf("%s|%s|%s", category, phase, playerID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}
	return true
}

// PhaseAdvanced clears submission records once a phase transition has been
// applied, so the set stays bounded across a long session.
func (q *Queue) PhaseAdvanced() {
	q.mu.Lock()
	q.seen = make(map[string]struct{})
	q.mu.Unlock()
}
