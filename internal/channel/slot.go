// Package channel implements the state channel carrying block decisions
// from the control plane to the enforcement plane.
//
// Delivery is single-slot and at-most-once: a publish replaces whatever
// the receiver currently holds as latest, with no acknowledgment, retry or
// ordering guarantee. Receivers treat the absence of any message as "not
// blocking".
package channel

import (
	"context"
	"sync"

	"github.com/tagfence/tagfence/internal/domain"
)

// Slot is the in-memory StateChannel used when control and enforcement run
// in the same process, and by tests.
type Slot struct {
	mu     sync.Mutex
	latest domain.BlockDecision
	has    bool
	subs   map[int]chan domain.BlockDecision
	nextID int
}

// NewSlot creates an empty in-memory channel.
func NewSlot() *Slot {
	return &Slot{subs: make(map[int]chan domain.BlockDecision)}
}

// Publish replaces the slot and notifies watchers. Never blocks: a watcher
// that has not drained its previous value has it overwritten, which is the
// intended last-write-wins behavior.
func (s *Slot) Publish(decision domain.BlockDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = decision
	s.has = true

	for _, sub := range s.subs {
		// Drop the stale undelivered value, if any, then offer the new one.
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- decision:
		default:
		}
	}
	return nil
}

// Latest returns the slot contents; ok is false before the first publish.
func (s *Slot) Latest() (domain.BlockDecision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has, nil
}

// Watch delivers slot replacements until ctx is canceled.
func (s *Slot) Watch(ctx context.Context) (<-chan domain.BlockDecision, error) {
	sub := make(chan domain.BlockDecision, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	return sub, nil
}

// Ensure Slot implements domain.StateChannel.
var _ domain.StateChannel = (*Slot)(nil)
