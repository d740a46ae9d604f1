package registry

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/clock"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
)

// Listener observes state transitions. It runs with the session lock held and
// must only touch the session through the Tx it is handed; calling back into
// the Registry from a listener deadlocks.
type Listener interface {
	OnTransition(tx *Tx, tr sessiondomain.Transition)
}

// Observer is told about every committed mutation, including transitions.
type Observer interface {
	OnChange(s *sessiondomain.Session)
}

// Registry is the authoritative in-process store of sessions. The registry
// lock only guards the maps; each session is serialized by its own mutex.
// Lock order is registry then session, never the reverse.
type Registry struct {
	clock clock.Clock
	node  *snowflake.Node

	mu        sync.RWMutex
	byID      map[snowflake.ID]*entry
	byKey     map[sessiondomain.Key]*entry
	listeners []Listener
	observers []Observer
}

type entry struct {
	mu      sync.Mutex
	session sessiondomain.Session
	epoch   uint64
	removed bool
}

func New(clk clock.Clock, node *snowflake.Node) *Registry {
	return &Registry{
		clock: clk,
		node:  node,
		byID:  make(map[snowflake.ID]*entry),
		byKey: make(map[sessiondomain.Key]*entry),
	}
}

// AddListener registers l. Listeners are invoked in registration order.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Open creates a PENDING session for key. When an open session already
// exists for the pair it is returned together with ErrAlreadyActive.
func (r *Registry) Open(key sessiondomain.Key, metadata map[string]any) (sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[key]; ok {
		existing.mu.Lock()
		snapshot := existing.session.Clone()
		existing.mu.Unlock()
		if snapshot.State.Open() {
			return snapshot, sessiondomain.ErrAlreadyActive
		}
	}

	now := r.clock.Now()
	e := &entry{
		session: sessiondomain.Session{
			ID:        r.node.Generate(),
			ViewerID:  key.ViewerID,
			CreatorID: key.CreatorID,
			State:     sessiondomain.StatePending,
			Metadata:  metadata,
			CreatedAt: now,
			UpdatedAt: now,
		},
		epoch: 1,
	}
	r.byID[e.session.ID] = e
	r.byKey[key] = e

	e.mu.Lock()
	defer e.mu.Unlock()
	tx := &Tx{entry: e, now: now, listeners: r.listeners, observers: r.observers}
	tx.dispatch(sessiondomain.Transition{
		SessionID: e.session.ID,
		Key:       key,
		To:        sessiondomain.StatePending,
		Reason:    sessiondomain.ReasonOpened,
		At:        now,
	})
	r.commit(tx)
	return e.session.Clone(), nil
}

// Update runs fn with exclusive access to the session.
func (r *Registry) Update(id snowflake.ID, fn func(tx *Tx) error) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return sessiondomain.ErrSessionNotFound
	}
	return r.update(e, fn)
}

// UpdateByKey runs fn against the most recent session for key.
func (r *Registry) UpdateByKey(key sessiondomain.Key, fn func(tx *Tx) error) error {
	r.mu.RLock()
	e, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return sessiondomain.ErrSessionNotFound
	}
	return r.update(e, fn)
}

func (r *Registry) update(e *entry, fn func(tx *Tx) error) error {
	tx := r.newTx(e)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return sessiondomain.ErrSessionNotFound
	}
	tx.now = r.clock.Now()
	err := fn(tx)
	r.commit(tx)
	return err
}

func (r *Registry) Get(id snowflake.ID) (sessiondomain.Session, bool) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return sessiondomain.Session{}, false
	}
	return e.read()
}

// Lookup returns the most recent session for key, which may be CLOSED.
func (r *Registry) Lookup(key sessiondomain.Key) (sessiondomain.Session, bool) {
	r.mu.RLock()
	e, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return sessiondomain.Session{}, false
	}
	return e.read()
}

// List returns a copy of every tracked session ordered by nothing in particular.
func (r *Registry) List() []sessiondomain.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]sessiondomain.Session, 0, len(entries))
	for _, e := range entries {
		if s, ok := e.read(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Archive drops a CLOSED session whose ticks are all confirmed.
func (r *Registry) Archive(id snowflake.ID) (sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return sessiondomain.Session{}, sessiondomain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.session
	if s.State != sessiondomain.StateClosed {
		return sessiondomain.Session{}, fmt.Errorf("%w: archive from %s", sessiondomain.ErrInvalidTransition, s.State)
	}
	if s.PendingTicks() > 0 {
		return sessiondomain.Session{}, sessiondomain.ErrNotSettled
	}
	now := r.clock.Now()
	s.ArchivedAt = &now
	s.UpdatedAt = now
	e.removed = true
	delete(r.byID, id)
	if current, ok := r.byKey[s.Key()]; ok && current == e {
		delete(r.byKey, s.Key())
	}
	return s.Clone(), nil
}

// Restore inserts a session loaded from durable storage without notifying
// listeners.
func (r *Registry) Restore(s sessiondomain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("restore %d: %w", s.ID, sessiondomain.ErrAlreadyActive)
	}
	key := s.Key()
	e := &entry{session: s.Clone(), epoch: 1}
	r.byID[s.ID] = e

	existing, ok := r.byKey[key]
	if !ok {
		r.byKey[key] = e
		return nil
	}
	existing.mu.Lock()
	existingOpen := existing.session.State.Open()
	existingID := existing.session.ID
	existing.mu.Unlock()

	switch {
	case existingOpen && s.State.Open():
		delete(r.byID, s.ID)
		return fmt.Errorf("restore %d: pair held by %d: %w", s.ID, existingID, sessiondomain.ErrAlreadyActive)
	case s.State.Open(), !existingOpen && s.ID > existingID:
		r.byKey[key] = e
	}
	return nil
}

func (e *entry) read() (sessiondomain.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return sessiondomain.Session{}, false
	}
	return e.session.Clone(), true
}

// newTx must be called before e.mu is taken.
func (r *Registry) newTx(e *entry) *Tx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Tx{entry: e, listeners: r.listeners, observers: r.observers}
}

func (r *Registry) commit(tx *Tx) {
	if !tx.dirty {
		return
	}
	for _, o := range tx.observers {
		o.OnChange(&tx.entry.session)
	}
}
