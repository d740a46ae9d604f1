package registry

import (
	"fmt"
	"time"

	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
)

// Tx is exclusive access to one session for the duration of an Update.
type Tx struct {
	entry     *entry
	now       time.Time
	listeners []Listener
	observers []Observer

	dirty       bool
	dispatching bool
	queued      []queuedTransition
}

type queuedTransition struct {
	to     sessiondomain.State
	reason sessiondomain.CloseReason
}

// Session returns the live record. Mutations must be followed by Touch.
func (tx *Tx) Session() *sessiondomain.Session {
	return &tx.entry.session
}

// Now is the clock reading taken when the lock was acquired.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Epoch increases on every transition. Timers armed for one epoch must not
// act on a later one.
func (tx *Tx) Epoch() uint64 {
	return tx.entry.epoch
}

// Touch marks the session as changed so observers persist it.
func (tx *Tx) Touch() {
	tx.entry.session.UpdatedAt = tx.now
	tx.dirty = true
}

// Transition moves the session to state to and notifies listeners. A call
// made from inside a listener is applied after the current dispatch ends.
func (tx *Tx) Transition(to sessiondomain.State, reason sessiondomain.CloseReason) error {
	if tx.dispatching {
		tx.queued = append(tx.queued, queuedTransition{to: to, reason: reason})
		return nil
	}
	if err := tx.apply(to, reason); err != nil {
		return err
	}
	for len(tx.queued) > 0 {
		next := tx.queued[0]
		tx.queued = tx.queued[1:]
		if !sessiondomain.CanTransition(tx.entry.session.State, next.to) {
			continue
		}
		if err := tx.apply(next.to, next.reason); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) apply(to sessiondomain.State, reason sessiondomain.CloseReason) error {
	s := &tx.entry.session
	from := s.State
	if !sessiondomain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", sessiondomain.ErrInvalidTransition, from, to)
	}

	s.State = to
	switch to {
	case sessiondomain.StateActive:
		if s.StartedAt == nil {
			started := tx.now
			s.StartedAt = &started
		}
		s.GraceDeadline = nil
	case sessiondomain.StateClosed:
		closed := tx.now
		s.ClosedAt = &closed
		s.CloseReason = reason
		s.GraceDeadline = nil
	}
	tx.entry.epoch++
	tx.Touch()

	tx.dispatch(sessiondomain.Transition{
		SessionID: s.ID,
		Key:       s.Key(),
		From:      from,
		To:        to,
		Reason:    reason,
		At:        tx.now,
	})
	return nil
}

func (tx *Tx) dispatch(tr sessiondomain.Transition) {
	tx.dirty = true
	tx.dispatching = true
	defer func() { tx.dispatching = false }()
	for _, l := range tx.listeners {
		l.OnTransition(tx, tr)
	}
}
